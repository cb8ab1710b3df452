package cli

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tOgg1/flock/internal/app"
	"github.com/tOgg1/flock/internal/config"
	"github.com/tOgg1/flock/internal/models"
	"github.com/tOgg1/flock/internal/trends"
	"github.com/tOgg1/flock/internal/wire"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestParsePredicate(t *testing.T) {
	tests := []struct {
		raw   string
		want  models.Predicate
		isErr bool
	}{
		{raw: "conversationId==c1", want: models.Where("conversationId", models.OpEq, "c1")},
		{raw: "views>=10", want: models.Where("views", models.OpGte, int64(10))},
		{raw: "views <= 2.5", want: models.Where("views", models.OpLte, 2.5)},
		{raw: "isDeleted!=true", want: models.Where("isDeleted", models.OpNe, true)},
		{raw: `text=="42"`, want: models.Where("text", models.OpEq, "42")},
		{raw: "createdAt<1700000000000", want: models.Where("createdAt", models.OpLt, int64(1700000000000))},
		{raw: "score>3", want: models.Where("score", models.OpGt, int64(3))},
		{raw: "==c1", isErr: true},
		{raw: "conversationId=c1", isErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parsePredicate(tt.raw)
			if tt.isErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildWatchQuery(t *testing.T) {
	q, err := buildWatchQuery(" messages ", []string{"conversationId==c1"}, "createdAt", true, 5)
	require.NoError(t, err)
	assert.Equal(t, "messages", q.Collection)
	assert.Equal(t, 5, q.Limit)
	require.NotNil(t, q.OrderBy)
	assert.True(t, q.OrderBy.Desc)

	_, err = buildWatchQuery("", nil, "", false, 0)
	assert.Error(t, err)
}

func TestParseAsOf(t *testing.T) {
	got, err := parseAsOf("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseAsOf("2024-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), got)

	got, err = parseAsOf("2024-01-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond), got)

	_, err = parseAsOf("yesterday")
	assert.Error(t, err)
}

func TestClipGroups(t *testing.T) {
	groups := []trends.RankedGroup{
		{Day: "2024-01-03", Items: make([]trends.RankedItem, 3)},
		{Day: "2024-01-02", Items: make([]trends.RankedItem, 1)},
		{Day: "2024-01-01", Items: make([]trends.RankedItem, 2)},
	}

	clipped := clipGroups(groups, 2, 2)
	require.Len(t, clipped, 2)
	assert.Len(t, clipped[0].Items, 2)
	assert.Len(t, clipped[1].Items, 1)
	assert.Len(t, groups[0].Items, 3, "input is not modified")

	assert.Len(t, clipGroups(groups, 0, 0), 3)
}

func TestWriteTableAlignsWideRunes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeTable(&buf, []string{"ID", "WITH"}, [][]string{
		{"c1", "日本"},
		{"conversation", "ada"},
	}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID            WITH", lines[0])
	assert.Equal(t, "c1            日本", lines[1])
	assert.Equal(t, "conversation  ada", lines[2])
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "plain", stripANSI("plain"))
	assert.Equal(t, "bold", stripANSI("\x1b[1mbold\x1b[0m"))
}

func TestCompactFields(t *testing.T) {
	got := compactFields(map[string]any{"text": "hi", "likes": 2, "ok": true})
	assert.Equal(t, `likes=2 ok=true text="hi"`, got)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestChangeStreamer(t *testing.T) {
	resetFlags()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Open(ctx, config.DefaultConfig(), app.Options{InMemory: true})
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Documents.Put(ctx, models.CollectionUsers, "ada", models.User{Name: "Ada"}.Fields()))

	stream := func(t *testing.T, structured bool) (*lockedBuffer, func()) {
		sctx, stop := context.WithCancel(ctx)
		sub, err := a.Subscriber.Subscribe(sctx, models.Query{Collection: models.CollectionUsers})
		require.NoError(t, err)

		out := &lockedBuffer{}
		streamer := &changeStreamer{out: out, collection: models.CollectionUsers, structured: structured}
		done := make(chan error, 1)
		go func() { done <- streamer.Stream(sctx, sub) }()

		return out, func() {
			stop()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("stream did not stop")
			}
			sub.Unsubscribe()
		}
	}

	t.Run("human", func(t *testing.T) {
		out, stop := stream(t, false)
		defer stop()

		require.Eventually(t, func() bool {
			return strings.Contains(out.String(), `+ users/ada v1 name="Ada"`)
		}, 2*time.Second, 10*time.Millisecond)

		require.NoError(t, a.Documents.Put(ctx, models.CollectionUsers, "bob", models.User{Name: "B"}.Fields()))
		require.NoError(t, a.Documents.Put(ctx, models.CollectionUsers, "bob", models.User{Name: "Bee"}.Fields()))
		require.Eventually(t, func() bool {
			return strings.Contains(out.String(), `~ users/bob v2 name="Bee"`)
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("structured", func(t *testing.T) {
		out, stop := stream(t, true)
		defer stop()

		require.NoError(t, a.Documents.Delete(ctx, models.CollectionUsers, "ada"))

		events := func() []*structpb.Struct {
			var got []*structpb.Struct
			for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
				if line == "" {
					continue
				}
				s, err := wire.Unmarshal([]byte(line))
				if err != nil {
					return nil
				}
				got = append(got, s)
			}
			return got
		}
		require.Eventually(t, func() bool {
			for _, ev := range events() {
				if ev.Fields[wire.KeyKind].GetStringValue() == string(models.ChangeRemoved) &&
					ev.Fields[wire.KeyID].GetStringValue() == "ada" {
					return true
				}
			}
			return false
		}, 2*time.Second, 10*time.Millisecond)

		first := events()[0]
		assert.Equal(t, string(models.ChangeAdded), first.Fields[wire.KeyKind].GetStringValue())
		assert.Equal(t, models.CollectionUsers, first.Fields[wire.KeyCollection].GetStringValue())
	})
}
