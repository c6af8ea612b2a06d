/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

//go:build integration

// Package integration drives a full track lifecycle through the assembled
// server: upload, rotation seeding, queueing, play and stop callbacks, and
// deferred deletion of an airing track.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi/internal/auth"
	"github.com/friendsincode/bragi/internal/config"
	"github.com/friendsincode/bragi/internal/logbuffer"
	"github.com/friendsincode/bragi/internal/server"
)

const signingKey = "integration-signing-key"

type fixture struct {
	ts    *httptest.Server
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)

	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(daemon.Close)

	cfg := &config.Config{
		Environment:         "test",
		DBBackend:           config.DatabaseSQLite,
		DBDSN:               filepath.Join(t.TempDir(), "bragi.db"),
		RedisAddr:           mr.Addr(),
		Channels:            []string{"trance"},
		DaemonURL:           daemon.URL,
		DaemonTimeout:       time.Second,
		RotationSampleSize:  3,
		NoRepeatWindow:      3 * time.Hour,
		RecencyWindow:       10 * time.Minute,
		MediaRoot:           t.TempDir(),
		MediaLocationPrefix: "/srv/media",
		JWTSigningKey:       signingKey,
	}

	srv, err := server.New(cfg, logbuffer.New(64), zerolog.Nop())
	if err != nil {
		t.Fatalf("assemble server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	ts := httptest.NewServer(srv.HTTPServer().Handler)
	t.Cleanup(ts.Close)

	token, err := auth.Issue([]byte(signingKey), auth.Claims{
		UserID: "integration-admin",
		Name:   "Operator",
		Roles:  []string{auth.RoleAdmin},
	}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	return &fixture{ts: ts, token: token}
}

// doJSON sends a JSON request with the admin token and decodes the JSON
// response body, if any.
func (f *fixture) doJSON(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, decoded
}

// upload posts a multipart track and returns its ID.
func (f *fixture) upload(t *testing.T, title, artist string) string {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("channels", "trance"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := writer.WriteField("artist", artist); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := writer.CreateFormFile("file", title+".mp3")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("ID3 " + title)); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/api/v1/tracks/", &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload %s: status %d: %s", title, resp.StatusCode, raw)
	}

	var view map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	id, _ := view["id"].(string)
	if id == "" {
		t.Fatalf("upload %s: no id in %v", title, view)
	}
	return id
}

func playlistIDs(t *testing.T, payload map[string]any) []string {
	t.Helper()

	rawList, ok := payload["playlist"].([]any)
	if !ok {
		t.Fatalf("no playlist in %v", payload)
	}
	ids := make([]string, 0, len(rawList))
	for _, raw := range rawList {
		entry, ok := raw.(map[string]any)
		if !ok {
			t.Fatalf("bad playlist entry %v", raw)
		}
		id, _ := entry["id"].(string)
		ids = append(ids, id)
	}
	return ids
}

func TestTrackLifecycle(t *testing.T) {
	f := newFixture(t)

	// An empty catalog seeds an empty playlist.
	status, body := f.doJSON(t, http.MethodPost, "/api/v1/callback/startup", map[string]any{"channel": "trance"})
	if status != http.StatusOK {
		t.Fatalf("startup: status %d: %v", status, body)
	}
	if ids := playlistIDs(t, body); len(ids) != 0 {
		t.Fatalf("startup on empty catalog seeded %v", ids)
	}

	for i := 0; i < 4; i++ {
		f.upload(t, fmt.Sprintf("track-%d", i), "Integration")
	}

	// Reset replaces the playlist from rotation, honoring the sample size.
	status, body = f.doJSON(t, http.MethodPost, "/api/v1/channels/trance/reset", nil)
	if status != http.StatusAccepted {
		t.Fatalf("reset: status %d: %v", status, body)
	}
	if ids := playlistIDs(t, body); len(ids) != 3 {
		t.Fatalf("reset playlist has %d entries, want 3", len(ids))
	}

	// Queue a fresh upload at the head.
	target := f.upload(t, "headliner", "Integration")
	status, body = f.doJSON(t, http.MethodPost, "/api/v1/channels/trance/queue", map[string]any{
		"track_id": target,
		"index":    0,
	})
	if status != http.StatusCreated {
		t.Fatalf("queue in: status %d: %v", status, body)
	}

	status, body = f.doJSON(t, http.MethodGet, "/api/v1/channels/trance/queue/", nil)
	if status != http.StatusOK {
		t.Fatalf("queue list: status %d", status)
	}
	ids := playlistIDs(t, body)
	if len(ids) != 4 || ids[0] != target {
		t.Fatalf("queue after insert = %v, want %s first of 4", ids, target)
	}

	// The daemon reports the queued entry on air; it pops off the playlist.
	status, body = f.doJSON(t, http.MethodPost, "/api/v1/callback/play", map[string]any{
		"channel":  "trance",
		"track_id": target,
		"artist":   "Integration",
	})
	if status != http.StatusOK {
		t.Fatalf("play: status %d: %v", status, body)
	}

	status, body = f.doJSON(t, http.MethodGet, "/api/v1/channels/trance/now-playing", nil)
	if status != http.StatusOK {
		t.Fatalf("now playing: status %d", status)
	}
	nowPlaying, _ := body["now_playing"].(map[string]any)
	if got, _ := nowPlaying["id"].(string); got != target {
		t.Fatalf("now playing = %v, want %s", body, target)
	}

	status, body = f.doJSON(t, http.MethodGet, "/api/v1/channels/trance/queue/", nil)
	if status != http.StatusOK {
		t.Fatalf("queue list: status %d", status)
	}
	if ids := playlistIDs(t, body); len(ids) != 3 {
		t.Fatalf("queue after play = %v, want 3 entries", ids)
	}

	// Play history records the airing.
	status, body = f.doJSON(t, http.MethodGet, "/api/v1/channels/trance/history?limit=5", nil)
	if status != http.StatusOK {
		t.Fatalf("history: status %d", status)
	}
	historyList, ok := body["history"].([]any)
	if !ok || len(historyList) == 0 {
		t.Fatalf("history empty: %v", body)
	}
	first, _ := historyList[0].(map[string]any)
	if got, _ := first["track_id"].(string); got != target {
		t.Fatalf("history head = %v, want %s", first, target)
	}

	// Deleting the airing track defers the purge.
	status, body = f.doJSON(t, http.MethodDelete, "/api/v1/tracks/"+target, nil)
	if status != http.StatusAccepted {
		t.Fatalf("delete airing: status %d: %v", status, body)
	}
	if got, _ := body["status"].(string); got != "reserved" {
		t.Fatalf("delete airing = %v, want reserved", body)
	}

	status, _ = f.doJSON(t, http.MethodGet, "/api/v1/tracks/"+target, nil)
	if status != http.StatusConflict {
		t.Fatalf("reserved track read: status %d, want 409", status)
	}

	// Stop clears the slot, purges the reservation, and replenishes.
	status, body = f.doJSON(t, http.MethodPost, "/api/v1/callback/stop", map[string]any{"channel": "trance"})
	if status != http.StatusOK {
		t.Fatalf("stop: status %d: %v", status, body)
	}

	status, body = f.doJSON(t, http.MethodGet, "/api/v1/channels/trance/now-playing", nil)
	if status != http.StatusOK {
		t.Fatalf("now playing: status %d", status)
	}
	if body["now_playing"] != nil {
		t.Fatalf("now playing after stop = %v, want null", body)
	}

	status, _ = f.doJSON(t, http.MethodGet, "/api/v1/tracks/"+target, nil)
	if status != http.StatusNotFound {
		t.Fatalf("purged track read: status %d, want 404", status)
	}

	status, body = f.doJSON(t, http.MethodGet, "/api/v1/channels/trance/queue/", nil)
	if status != http.StatusOK {
		t.Fatalf("queue list: status %d", status)
	}
	ids = playlistIDs(t, body)
	if len(ids) != 4 {
		t.Fatalf("queue after stop = %v, want 4 entries", ids)
	}
	for _, id := range ids {
		if id == target {
			t.Fatalf("purged track still queued: %v", ids)
		}
	}

	// Nothing left to reconcile.
	status, body = f.doJSON(t, http.MethodPost, "/api/v1/reconcile", nil)
	if status != http.StatusOK {
		t.Fatalf("reconcile: status %d: %v", status, body)
	}
	if got, _ := body["processed"].(float64); got != 0 {
		t.Fatalf("reconcile processed = %v, want 0", body)
	}
}
