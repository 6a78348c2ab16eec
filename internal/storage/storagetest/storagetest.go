// Package storagetest holds the behaviour every storage.Store backend must
// share. Backend tests call Run with a fresh, empty store.
package storagetest

import (
	"context"
	"ecobridge/internal/storage"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a backend. newStore must return an empty store each call.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("empty load", func(t *testing.T) {
		s := newStore(t)
		doc, err := s.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(0), doc.Version)
		assert.Empty(t, doc.Data)
	})

	t.Run("save and reload", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc, err := s.Load(ctx)
		require.NoError(t, err)
		require.NoError(t, doc.Set("tokenData", map[string]string{"access_token": "a1"}))
		require.NoError(t, doc.Set("refresh_status", false))
		require.NoError(t, s.Save(ctx, doc))
		assert.Greater(t, doc.Version, int64(0))

		reloaded, err := s.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, doc.Version, reloaded.Version)

		var tok map[string]string
		found, err := reloaded.Get("tokenData", &tok)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "a1", tok["access_token"])
	})

	t.Run("stale save conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.Load(ctx)
		require.NoError(t, err)
		second, err := s.Load(ctx)
		require.NoError(t, err)

		require.NoError(t, first.Set("owner", "first"))
		require.NoError(t, s.Save(ctx, first))

		require.NoError(t, second.Set("owner", "second"))
		err = s.Save(ctx, second)
		assert.ErrorIs(t, err, storage.ErrVersionConflict)

		current, err := s.Load(ctx)
		require.NoError(t, err)
		var owner string
		_, err = current.Get("owner", &owner)
		require.NoError(t, err)
		assert.Equal(t, "first", owner)
	})

	t.Run("unrelated keys preserved", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc, err := s.Load(ctx)
		require.NoError(t, err)
		require.NoError(t, doc.Set("profile_info", map[string]string{"version": "2.0.1"}))
		require.NoError(t, s.Save(ctx, doc))

		doc, err = s.Load(ctx)
		require.NoError(t, err)
		next := doc.Clone()
		require.NoError(t, next.Set("refresh_status", "2026-01-02T03:04:05"))
		require.NoError(t, s.Save(ctx, next))

		final, err := s.Load(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, `{"version":"2.0.1"}`, string(final.Data["profile_info"]))
		assert.JSONEq(t, `"2026-01-02T03:04:05"`, string(final.Data["refresh_status"]))
	})

	t.Run("concurrent writers", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const writers = 8
		var wg sync.WaitGroup
		wins := make(chan int, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				doc, err := s.Load(ctx)
				if err != nil {
					return
				}
				doc.Set("winner", i)
				if err := s.Save(ctx, doc); err == nil {
					wins <- i
				}
			}(i)
		}
		wg.Wait()
		close(wins)

		var winners []int
		for w := range wins {
			winners = append(winners, w)
		}
		// Every winner saw a distinct version, so the number of winners equals
		// the final version.
		final, err := s.Load(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, winners)
		assert.Equal(t, int64(len(winners)), final.Version)
	})
}
