package channelstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewWithClient(client, zerolog.Nop()), mr
}

func TestGetInitializesDefaultStateOnce(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	state, err := store.Get(ctx, "trance")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.NowPlaying != nil {
		t.Fatalf("expected idle channel, got now playing %+v", state.NowPlaying)
	}
	if state.Playlist == nil || len(state.Playlist) != 0 {
		t.Fatalf("expected empty playlist, got %#v", state.Playlist)
	}

	raw, err := mr.Get(KeyChannelPrefix + "trance")
	if err != nil {
		t.Fatalf("default state was not persisted: %v", err)
	}
	if !strings.Contains(raw, `"now_playing":null`) || !strings.Contains(raw, `"playlist":[]`) {
		t.Fatalf("unexpected persisted default: %s", raw)
	}

	// A second read must not re-initialize an existing document.
	if err := store.SetPlaylist(ctx, "trance", []Entry{{ID: "t1", Title: "One"}}); err != nil {
		t.Fatalf("set playlist: %v", err)
	}
	state, err = store.Get(ctx, "trance")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if len(state.Playlist) != 1 || state.Playlist[0].ID != "t1" {
		t.Fatalf("get clobbered existing state: %#v", state.Playlist)
	}
}

func TestUpdateSerializesConcurrentMutations(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const writers = 20

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Update(ctx, "trance", func(state *ChannelState) error {
				state.Playlist = append(state.Playlist, Entry{ID: fmt.Sprintf("t%d", i)})
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	state, err := store.Get(ctx, "trance")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(state.Playlist) != writers {
		t.Fatalf("lost updates: expected %d entries, got %d", writers, len(state.Playlist))
	}
}

func TestSetNowPlayingKeepsPlaylist(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	playlist := []Entry{{ID: "t1"}, {ID: "t2"}}
	if err := store.SetPlaylist(ctx, "trance", playlist); err != nil {
		t.Fatalf("set playlist: %v", err)
	}
	if err := store.SetNowPlaying(ctx, "trance", &Entry{ID: "t9", Title: "Airing"}); err != nil {
		t.Fatalf("set now playing: %v", err)
	}

	state, err := store.Get(ctx, "trance")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.NowPlaying == nil || state.NowPlaying.ID != "t9" {
		t.Fatalf("unexpected now playing: %+v", state.NowPlaying)
	}
	if len(state.Playlist) != 2 {
		t.Fatalf("playlist was disturbed: %#v", state.Playlist)
	}

	// Clearing now_playing leaves the queue alone too.
	if err := store.SetNowPlaying(ctx, "trance", nil); err != nil {
		t.Fatalf("clear now playing: %v", err)
	}
	state, err = store.Get(ctx, "trance")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.NowPlaying != nil || len(state.Playlist) != 2 {
		t.Fatalf("clear disturbed state: %+v", state)
	}
}

func TestPendingRemovalRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	list, err := store.PendingRemoval(ctx)
	if err != nil {
		t.Fatalf("pending removal: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %v", list)
	}

	if _, err := store.UpdatePendingRemoval(ctx, func(list []string) ([]string, error) {
		return append(list, "t1", "t2"), nil
	}); err != nil {
		t.Fatalf("update pending removal: %v", err)
	}

	list, err = store.PendingRemoval(ctx)
	if err != nil {
		t.Fatalf("pending removal: %v", err)
	}
	if len(list) != 2 || list[0] != "t1" || list[1] != "t2" {
		t.Fatalf("unexpected list: %v", list)
	}

	raw, err := mr.Get(KeyPendingRemoval)
	if err != nil {
		t.Fatalf("pending removal key missing: %v", err)
	}
	var doc struct {
		List []string `json:"list"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("unmarshal pending removal doc: %v", err)
	}
	if len(doc.List) != 2 {
		t.Fatalf("unexpected persisted doc: %s", raw)
	}

	if err := store.SetPendingRemoval(ctx, nil); err != nil {
		t.Fatalf("set pending removal: %v", err)
	}
	list, err = store.PendingRemoval(ctx)
	if err != nil {
		t.Fatalf("pending removal: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected drained list, got %v", list)
	}
}

func TestGetSurfacesStoreUnavailable(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	mr.Close()

	if _, err := store.Get(ctx, "trance"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := store.PendingRemoval(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for pending removal, got %v", err)
	}
	if err := store.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from ping, got %v", err)
	}
}

func TestPlaylistNeverSerializedAsNull(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.SetPlaylist(ctx, "trance", nil); err != nil {
		t.Fatalf("set playlist: %v", err)
	}

	raw, err := mr.Get(KeyChannelPrefix + "trance")
	if err != nil {
		t.Fatalf("channel key missing: %v", err)
	}
	if strings.Contains(raw, `"playlist":null`) {
		t.Fatalf("playlist serialized as null: %s", raw)
	}
}
