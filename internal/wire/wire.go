// Package wire encodes live query changes as protobuf Structs so that
// streaming consumers get one self-describing JSON object per change.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tOgg1/flock/internal/livequery"
	"github.com/tOgg1/flock/internal/models"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// KindError tags a delivery that carries a failed resync instead of a document.
const KindError = "error"

// Event keys.
const (
	KeyKind       = "kind"
	KeyCollection = "collection"
	KeyID         = "id"
	KeyVersion    = "version"
	KeyUpdateTime = "update_time"
	KeyFields     = "fields"
	KeyError      = "error"
)

var marshalOptions = protojson.MarshalOptions{UseProtoNames: true}

// Event converts one subscription delivery into a Struct.
func Event(collection string, change livequery.Change) (*structpb.Struct, error) {
	if change.Err != nil {
		return structpb.NewStruct(map[string]any{
			KeyKind:       KindError,
			KeyCollection: collection,
			KeyError:      change.Err.Error(),
		})
	}
	if change.Doc == nil {
		return nil, fmt.Errorf("change has neither document nor error")
	}

	event, err := Document(change.Doc)
	if err != nil {
		return nil, err
	}
	event.Fields[KeyKind] = structpb.NewStringValue(string(change.Kind))
	return event, nil
}

// Document converts a document into a Struct with its metadata and fields.
func Document(doc *models.Document) (*structpb.Struct, error) {
	fields, err := normalize(doc.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields of %s/%s: %w", doc.Collection, doc.ID, err)
	}
	body, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields of %s/%s: %w", doc.Collection, doc.ID, err)
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		KeyCollection: structpb.NewStringValue(doc.Collection),
		KeyID:         structpb.NewStringValue(doc.ID),
		KeyVersion:    structpb.NewNumberValue(float64(doc.Version)),
		KeyUpdateTime: structpb.NewStringValue(doc.UpdateTime.UTC().Format(time.RFC3339Nano)),
		KeyFields:     structpb.NewStructValue(body),
	}}, nil
}

// Marshal renders s as single-line JSON.
func Marshal(s *structpb.Struct) ([]byte, error) {
	return marshalOptions.Marshal(s)
}

// Unmarshal parses JSON produced by Marshal.
func Unmarshal(data []byte) (*structpb.Struct, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// normalize maps document fields onto the JSON value space structpb accepts.
// Fields read from the store are already there; fields built in process may
// hold typed slices or integers.
func normalize(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
