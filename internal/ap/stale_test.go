package ap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftboard/driftboard/internal/config"
	"github.com/driftboard/driftboard/internal/db"
)

// staleConfig makes every cached actor immediately eligible: the negative max
// age puts the cutoff in the future, so rows written during the test count as
// stale without backdating fetched_at.
func staleConfig() *config.Config {
	return &config.Config{
		StaleActorMaxAge:          -time.Hour,
		StaleActorCleanupInterval: time.Hour,
	}
}

func seedRemoteActor(t *testing.T, store *db.Store, apID, username string) *db.RemoteActor {
	t.Helper()
	actor, err := store.UpsertRemoteActor(&db.RemoteActor{
		APID:     apID,
		Username: username,
		Domain:   "remote.example",
		Inbox:    apID + "/inbox",
	})
	require.NoError(t, err)
	return actor
}

func TestSweepDeletesOrphanedActors(t *testing.T) {
	r, store, _ := newTestResolver(t, time.Hour)
	c := NewStaleCleaner(store, r, staleConfig())

	seedRemoteActor(t, store, "https://remote.example/u/eve", "eve")
	seedRemoteActor(t, store, "https://remote.example/u/mallory", "mallory")

	refreshed, deleted, errs := c.Sweep(context.Background())
	assert.Equal(t, 0, refreshed)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, 0, errs)

	_, err := store.RemoteActorByAPID("https://remote.example/u/eve")
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = store.RemoteActorByAPID("https://remote.example/u/mallory")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestSweepRefreshesReferencedActor(t *testing.T) {
	r, store, _ := newTestResolver(t, time.Hour)
	c := NewStaleCleaner(store, r, staleConfig())

	// The profile endpoint answers one refetch and then goes away, which also
	// ends the sweep once a pass over the batch stops progressing.
	var hits atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if hits.Add(1) > 1 {
			rw.WriteHeader(http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/activity+json")
		json.NewEncoder(rw).Encode(actorDoc(srv.URL + "/u/eve"))
	}))
	defer srv.Close()
	apID := srv.URL + "/u/eve"

	actor := seedRemoteActor(t, store, apID, "eve")
	require.NoError(t, store.AddFollower(
		resolverBaseURL+"/ap/users/alice", apID, actor.ID, apID+"/follow/1"))

	refreshed, deleted, _ := c.Sweep(context.Background())
	assert.Equal(t, 1, refreshed)
	assert.Equal(t, 0, deleted)

	kept, err := store.RemoteActorByAPID(apID)
	require.NoError(t, err)
	assert.Equal(t, actor.ID, kept.ID)
}

func TestSweepKeepsUnreachableReferencedActor(t *testing.T) {
	r, store, _ := newTestResolver(t, time.Hour)
	c := NewStaleCleaner(store, r, staleConfig())

	srv, apID := serveActor(t, actorDoc, nil)
	actor := seedRemoteActor(t, store, apID, "eve")
	require.NoError(t, store.AddFollower(
		resolverBaseURL+"/ap/users/alice", apID, actor.ID, apID+"/follow/1"))
	srv.Close()

	refreshed, deleted, errs := c.Sweep(context.Background())
	assert.Equal(t, 0, refreshed)
	assert.Equal(t, 0, deleted)
	assert.Equal(t, 1, errs, "the failed refresh is counted once, not retried in a loop")

	// The row stays cached for the next sweep.
	_, err := store.RemoteActorByAPID(apID)
	require.NoError(t, err)
}

func TestCleanerStopsOnContextCancel(t *testing.T) {
	r, store, _ := newTestResolver(t, time.Hour)
	c := NewStaleCleaner(store, r, staleConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleaner did not stop")
	}
}
