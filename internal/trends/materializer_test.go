package trends

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tOgg1/flock/internal/livequery"
	"github.com/tOgg1/flock/internal/models"
)

func TestMaterializer(t *testing.T) {
	repo := setupRepo(t)
	putUser(t, repo, models.User{ID: "ada", Name: "Ada", Handle: "ada"})
	putItem(t, repo, item("1", "ada", 1, 0, time.Now().Add(-time.Hour)))

	svc := NewService(repo, ServiceConfig{})
	m := NewMaterializer(svc, livequery.NewSubscriber(repo), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return m.Generation() >= 1 }, 2*time.Second, 5*time.Millisecond)
	groups, updated := m.Groups()
	assert.False(t, updated.IsZero())
	ranked := Flatten(groups)
	require.Len(t, ranked, 1)
	assert.Equal(t, "ada", ranked[0].Author.User().Handle)

	// A new, higher scoring item moves to the top.
	putItem(t, repo, item("2", "bob", 5, 0, time.Now().Add(-time.Minute)))
	require.Eventually(t, func() bool {
		ranked := Flatten(first(m))
		return len(ranked) == 2 && ranked[0].Item.ID == "2"
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, Flatten(first(m))[0].Author.IsPlaceholder())

	// The author shows up once their profile exists.
	putUser(t, repo, models.User{ID: "bob", Name: "Bob", Handle: "bob"})
	require.Eventually(t, func() bool {
		ranked := Flatten(first(m))
		return len(ranked) == 2 && !ranked[0].Author.IsPlaceholder()
	}, 2*time.Second, 5*time.Millisecond)

	// Views do not change the score.
	_, err := svc.IncrementViews(context.Background(), "1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, r := range Flatten(first(m)) {
			if r.Item.ID == "1" {
				return r.Item.Views == 1 && r.Score == 1
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMaterializerStopsWithContext(t *testing.T) {
	repo := setupRepo(t)
	m := NewMaterializer(NewService(repo, ServiceConfig{}), livequery.NewSubscriber(repo), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.Generation() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("materializer did not stop")
	}
}

func first(m *Materializer) []RankedGroup {
	groups, _ := m.Groups()
	return groups
}
