package api

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/friendsincode/bragi/internal/channelstate"
)

func blobDiskPath(root, channel, trackID, extension string) string {
	return filepath.Join(root, channel, trackID[0:2], trackID[2:4], trackID+extension)
}

func TestTrackUploadCreatesCatalogRow(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.uploadTrack(t, f.token(t), map[string]string{
		"channels":         "trance",
		"artist":           "DJ Test",
		"duration_seconds": "241.5",
	}, "anthem.mp3", []byte("not really audio"))
	assertStatus(t, resp, http.StatusCreated)

	var track trackResponse
	decodeResponse(t, resp, &track)
	if track.ID == "" {
		t.Fatal("uploaded track has no id")
	}
	if track.Title != "anthem" {
		t.Fatalf("title = %q, want filename stem", track.Title)
	}
	if track.Artist != "DJ Test" {
		t.Fatalf("artist = %q, want DJ Test", track.Artist)
	}
	if track.Format != "mp3" {
		t.Fatalf("format = %q, want mp3", track.Format)
	}
	if track.DurationSeconds != 241.5 {
		t.Fatalf("duration = %v, want 241.5", track.DurationSeconds)
	}
	if track.Uploader != "Operator" {
		t.Fatalf("uploader = %q, want token subject name", track.Uploader)
	}
	if len(track.Channels) != 1 || track.Channels[0] != "trance" {
		t.Fatalf("channels = %v, want [trance]", track.Channels)
	}
	if track.URL == "" {
		t.Fatal("uploaded track has no media URL")
	}

	if _, err := os.Stat(blobDiskPath(f.cfg.MediaRoot, "trance", track.ID, ".mp3")); err != nil {
		t.Fatalf("uploaded blob missing on disk: %v", err)
	}

	resp = f.request(t, http.MethodGet, "/api/v1/tracks/"+track.ID, "", nil)
	assertStatus(t, resp, http.StatusOK)

	var fetched trackResponse
	decodeResponse(t, resp, &fetched)
	if fetched.ID != track.ID {
		t.Fatalf("fetched id = %q, want %q", fetched.ID, track.ID)
	}
}

func TestTrackUploadRequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.uploadTrack(t, "", map[string]string{"channels": "trance"}, "anthem.mp3", []byte("x"))
	assertStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestTrackUploadValidation(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token(t)

	cases := []struct {
		name     string
		fields   map[string]string
		filename string
		code     string
	}{
		{"no file", map[string]string{"channels": "trance"}, "", "file_required"},
		{"no extension", map[string]string{"channels": "trance"}, "anthem", "missing_extension"},
		{"no channels", map[string]string{}, "anthem.mp3", "channels_required"},
		{"unknown channel", map[string]string{"channels": "jazz"}, "anthem.mp3", "invalid_channel"},
		{"bad duration", map[string]string{"channels": "trance", "duration_seconds": "abc"}, "anthem.mp3", "invalid_duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.uploadTrack(t, tok, tc.fields, tc.filename, []byte("x"))
			assertErrorCode(t, resp, http.StatusBadRequest, tc.code)
		})
	}
}

func TestTrackUpdatePartialMetadata(t *testing.T) {
	f := newAPIFixture(t)
	track := f.seedTrack(t, "trance")

	resp := f.request(t, http.MethodPut, "/api/v1/tracks/"+track.ID, f.token(t), map[string]any{"artist": "Renamed"})
	assertStatus(t, resp, http.StatusAccepted)

	var updated trackResponse
	decodeResponse(t, resp, &updated)
	if updated.Artist != "Renamed" {
		t.Fatalf("artist = %q, want Renamed", updated.Artist)
	}
	if updated.Title != track.Title {
		t.Fatalf("title = %q, want untouched %q", updated.Title, track.Title)
	}
	if len(updated.Channels) != 1 || updated.Channels[0] != "trance" {
		t.Fatalf("channels = %v, want kept [trance]", updated.Channels)
	}
}

func TestTrackUpdateReplacesChannels(t *testing.T) {
	f := newAPIFixture(t)
	track := f.seedTrack(t, "trance")

	resp := f.request(t, http.MethodPut, "/api/v1/tracks/"+track.ID, f.token(t), map[string]any{"channels": []string{"house"}})
	assertStatus(t, resp, http.StatusAccepted)

	var updated trackResponse
	decodeResponse(t, resp, &updated)
	if len(updated.Channels) != 1 || updated.Channels[0] != "house" {
		t.Fatalf("channels = %v, want [house]", updated.Channels)
	}
}

func TestTrackUpdateEmptyChannelsRejected(t *testing.T) {
	f := newAPIFixture(t)
	track := f.seedTrack(t, "trance")

	resp := f.request(t, http.MethodPut, "/api/v1/tracks/"+track.ID, f.token(t), map[string]any{"channels": []string{}})
	assertErrorCode(t, resp, http.StatusBadRequest, "channels_required")
}

func TestTrackDeleteImmediateWhenIdle(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.uploadTrack(t, f.token(t), map[string]string{"channels": "trance"}, "anthem.mp3", []byte("x"))
	assertStatus(t, resp, http.StatusCreated)
	var track trackResponse
	decodeResponse(t, resp, &track)

	resp = f.request(t, http.MethodDelete, "/api/v1/tracks/"+track.ID, f.token(t), nil)
	assertStatus(t, resp, http.StatusOK)

	var payload map[string]string
	decodeResponse(t, resp, &payload)
	if payload["status"] != "deleted" {
		t.Fatalf("status = %q, want deleted", payload["status"])
	}

	resp = f.request(t, http.MethodGet, "/api/v1/tracks/"+track.ID, "", nil)
	assertErrorCode(t, resp, http.StatusNotFound, "track_not_found")

	if _, err := os.Stat(blobDiskPath(f.cfg.MediaRoot, "trance", track.ID, ".mp3")); !os.IsNotExist(err) {
		t.Fatalf("blob still on disk after delete: %v", err)
	}
}

func TestTrackDeleteDefersWhenAiring(t *testing.T) {
	f := newAPIFixture(t)
	track := f.seedTrack(t, "trance")
	f.setNowPlaying(t, "trance", &channelstate.Entry{ID: track.ID})

	resp := f.request(t, http.MethodDelete, "/api/v1/tracks/"+track.ID, f.token(t), nil)
	assertStatus(t, resp, http.StatusAccepted)

	var payload map[string]string
	decodeResponse(t, resp, &payload)
	if payload["status"] != "reserved" {
		t.Fatalf("status = %q, want reserved", payload["status"])
	}

	// Reserved tracks are frozen: no reads, edits, likes, or repeat
	// delete requests until the reconciler purges them.
	resp = f.request(t, http.MethodGet, "/api/v1/tracks/"+track.ID, "", nil)
	assertErrorCode(t, resp, http.StatusConflict, "reserved_pending_remove")

	resp = f.request(t, http.MethodPut, "/api/v1/tracks/"+track.ID, f.token(t), map[string]any{"artist": "Nope"})
	assertErrorCode(t, resp, http.StatusConflict, "reserved_pending_remove")

	resp = f.request(t, http.MethodPost, "/api/v1/tracks/"+track.ID+"/like", f.token(t), nil)
	assertErrorCode(t, resp, http.StatusConflict, "reserved_pending_remove")

	resp = f.request(t, http.MethodDelete, "/api/v1/tracks/"+track.ID, f.token(t), nil)
	assertErrorCode(t, resp, http.StatusConflict, "already_reserved")
}

func TestTrackLikeIncrements(t *testing.T) {
	f := newAPIFixture(t)
	track := f.seedTrack(t, "trance")
	tok := f.token(t)

	for want := int64(1); want <= 2; want++ {
		resp := f.request(t, http.MethodPost, "/api/v1/tracks/"+track.ID+"/like", tok, nil)
		assertStatus(t, resp, http.StatusOK)

		var payload struct {
			TrackID   string `json:"track_id"`
			LikeCount int64  `json:"like_count"`
		}
		decodeResponse(t, resp, &payload)
		if payload.TrackID != track.ID {
			t.Fatalf("track_id = %q, want %q", payload.TrackID, track.ID)
		}
		if payload.LikeCount != want {
			t.Fatalf("like_count = %d, want %d", payload.LikeCount, want)
		}
	}
}

func TestTracksListKeywordFilter(t *testing.T) {
	f := newAPIFixture(t)
	aurora := f.seedTrack(t, "trance")
	if err := f.db.Model(&aurora).UpdateColumn("artist", "Aurora").Error; err != nil {
		t.Fatalf("rename artist: %v", err)
	}
	f.seedTrack(t, "trance")

	resp := f.request(t, http.MethodGet, "/api/v1/tracks/?keyword=auro", "", nil)
	assertStatus(t, resp, http.StatusOK)

	var payload struct {
		Tracks []trackResponse `json:"tracks"`
	}
	decodeResponse(t, resp, &payload)
	if len(payload.Tracks) != 1 || payload.Tracks[0].ID != aurora.ID {
		t.Fatalf("keyword search returned %d tracks, want just %s", len(payload.Tracks), aurora.ID)
	}
}

func TestTracksListHidesReserved(t *testing.T) {
	f := newAPIFixture(t)
	visible := f.seedTrack(t, "trance")
	reserved := f.seedTrack(t, "trance")
	f.reserveTrack(t, "trance", reserved)

	resp := f.request(t, http.MethodGet, "/api/v1/tracks/", "", nil)
	assertStatus(t, resp, http.StatusOK)

	var payload struct {
		Tracks []trackResponse `json:"tracks"`
	}
	decodeResponse(t, resp, &payload)
	if len(payload.Tracks) != 1 {
		t.Fatalf("track count = %d, want reserved track hidden", len(payload.Tracks))
	}
	if payload.Tracks[0].ID != visible.ID {
		t.Fatalf("listed track = %q, want %q", payload.Tracks[0].ID, visible.ID)
	}
}
