package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

var timeType = reflect.TypeOf(time.Time{})

// decodeFields maps document fields onto out using the field's mapstructure tags.
func decodeFields(fields map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       millisToTimeHook,
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return decoder.Decode(fields)
}

// millisToTimeHook decodes unix-millisecond numbers and RFC3339 strings into time.Time.
func millisToTimeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType {
		return data, nil
	}
	switch v := data.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	case int64:
		return time.UnixMilli(v).UTC(), nil
	case int:
		return time.UnixMilli(int64(v)).UTC(), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", v, err)
		}
		return time.UnixMilli(n).UTC(), nil
	case string:
		if v == "" {
			return time.Time{}, nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", v, err)
		}
		return parsed.UTC(), nil
	}
	return data, nil
}

// Millis encodes t the way timestamps are persisted in document fields.
func Millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func decodeDocument(doc *Document, kind string, out any) error {
	if doc == nil {
		return NotFound("decode "+kind, nil)
	}
	if err := decodeFields(doc.Fields, out); err != nil {
		return Invalid("decode "+kind, fmt.Errorf("document %s: %w", doc.ID, err))
	}
	return nil
}
