package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi/internal/audit"
	"github.com/friendsincode/bragi/internal/auth"
	"github.com/friendsincode/bragi/internal/catalog"
	"github.com/friendsincode/bragi/internal/channelstate"
	"github.com/friendsincode/bragi/internal/config"
	"github.com/friendsincode/bragi/internal/events"
	"github.com/friendsincode/bragi/internal/integrity"
	"github.com/friendsincode/bragi/internal/logbuffer"
	"github.com/friendsincode/bragi/internal/media"
	"github.com/friendsincode/bragi/internal/models"
	"github.com/friendsincode/bragi/internal/queue"
	"github.com/friendsincode/bragi/internal/reconciler"
	"github.com/friendsincode/bragi/internal/rotation"
)

const testSigningKey = "api-test-signing-key"

type apiFixture struct {
	cfg    *config.Config
	db     *gorm.DB
	mr     *miniredis.Miniredis
	store  *channelstate.Store
	bus    *events.Bus
	gw     *catalog.Gateway
	logBuf *logbuffer.Buffer
	srv    *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Track{}, &models.TrackChannel{}, &models.PlayHistory{}, &models.AuditEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{
		Channels:            []string{"trance", "house"},
		JWTSigningKey:       testSigningKey,
		RotationSampleSize:  5,
		NoRepeatWindow:      3 * time.Hour,
		RecencyWindow:       10 * time.Minute,
		MediaRoot:           t.TempDir(),
		MediaLocationPrefix: "/srv/media",
	}

	store := channelstate.NewWithClient(client, zerolog.Nop())
	bus := events.NewBus()
	mediaSvc, err := media.NewService(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("media service: %v", err)
	}
	gw := catalog.New(db, mediaSvc, zerolog.Nop())
	sel := rotation.NewSelector(gw, store, rotation.Config{
		NoRepeatWindow: cfg.NoRepeatWindow,
		RecencyWindow:  cfg.RecencyWindow,
	}, zerolog.Nop())
	mut := queue.NewMutator(store, bus, zerolog.Nop())
	rec := reconciler.NewService(store, gw, mut, bus, zerolog.Nop())
	integ := integrity.NewService(db, store, gw, mut, mediaSvc, cfg.Channels, zerolog.Nop())
	scanner := media.NewOrphanScanner(db, cfg.MediaRoot, zerolog.Nop())
	auditSvc := audit.NewService(db, bus, zerolog.Nop())
	logBuf := logbuffer.New(256)

	a := New(cfg, store, gw, sel, mut, rec, mediaSvc, integ, scanner, auditSvc, bus, logBuf, zerolog.Nop())
	r := chi.NewRouter()
	a.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &apiFixture{
		cfg:    cfg,
		db:     db,
		mr:     mr,
		store:  store,
		bus:    bus,
		gw:     gw,
		logBuf: logBuf,
		srv:    srv,
	}
}

func (f *apiFixture) token(t *testing.T, roles ...string) string {
	t.Helper()

	tok, err := auth.Issue([]byte(testSigningKey), auth.Claims{UserID: "user-1", Name: "Operator", Roles: roles}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (f *apiFixture) adminToken(t *testing.T) string {
	t.Helper()
	return f.token(t, auth.RoleAdmin)
}

// request sends a JSON request and returns the response. An empty
// token leaves the Authorization header unset.
func (f *apiFixture) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, dest any) {
	t.Helper()

	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func assertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()

	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, want, body)
	}
}

func assertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()

	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, status, body)
	}
	var payload struct {
		Error string `json:"error"`
	}
	decodeResponse(t, resp, &payload)
	if payload.Error != code {
		t.Fatalf("error code = %q, want %q", payload.Error, code)
	}
}

func (f *apiFixture) seedTrack(t *testing.T, channels ...string) models.Track {
	t.Helper()

	track := models.Track{
		ID:         uuid.NewString(),
		Location:   "tracks/" + uuid.NewString() + ".mp3",
		Artist:     "Artist",
		Title:      "Title",
		Format:     "mp3",
		UploadedAt: time.Now().Add(-time.Hour),
	}
	if err := f.db.Create(&track).Error; err != nil {
		t.Fatalf("seed track: %v", err)
	}
	for _, channel := range channels {
		if err := f.db.Create(&models.TrackChannel{TrackID: track.ID, Channel: channel}).Error; err != nil {
			t.Fatalf("seed track channel: %v", err)
		}
	}
	return track
}

func (f *apiFixture) setPlaylist(t *testing.T, channel string, entries ...channelstate.Entry) {
	t.Helper()

	if err := f.store.SetPlaylist(context.Background(), channel, entries); err != nil {
		t.Fatalf("set playlist: %v", err)
	}
}

func (f *apiFixture) setNowPlaying(t *testing.T, channel string, entry *channelstate.Entry) {
	t.Helper()

	if err := f.store.SetNowPlaying(context.Background(), channel, entry); err != nil {
		t.Fatalf("set now playing: %v", err)
	}
}

func (f *apiFixture) channelState(t *testing.T, channel string) channelstate.ChannelState {
	t.Helper()

	state, err := f.store.Get(context.Background(), channel)
	if err != nil {
		t.Fatalf("get channel state: %v", err)
	}
	return state
}

// reserveTrack marks a track pending removal the way an operator
// would: make it the airing track, then request deletion over HTTP.
func (f *apiFixture) reserveTrack(t *testing.T, channel string, track models.Track) {
	t.Helper()

	f.setNowPlaying(t, channel, &channelstate.Entry{ID: track.ID, Artist: track.Artist, Title: track.Title})
	resp := f.request(t, http.MethodDelete, "/api/v1/tracks/"+track.ID, f.token(t), nil)
	assertStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()
}

func (f *apiFixture) uploadTrack(t *testing.T, token string, fields map[string]string, filename string, payload []byte) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(payload); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write form field: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/tracks/", &buf)
	if err != nil {
		t.Fatalf("build upload request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("upload track: %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodGet, "/api/v1/health", "", nil)
	assertStatus(t, resp, http.StatusOK)

	var payload map[string]string
	decodeResponse(t, resp, &payload)
	if payload["status"] != "ok" {
		t.Fatalf("status = %q, want ok", payload["status"])
	}
}

func TestQueueMutationsRequireToken(t *testing.T) {
	f := newAPIFixture(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/channels/trance/queue/"},
		{http.MethodPost, "/api/v1/channels/trance/queue/move"},
		{http.MethodDelete, "/api/v1/channels/trance/queue/0"},
		{http.MethodPost, "/api/v1/channels/trance/reset"},
		{http.MethodPost, "/api/v1/reconcile"},
		{http.MethodGet, "/api/v1/admin/integrity"},
	}
	for _, p := range paths {
		resp := f.request(t, p.method, p.path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s without token: status = %d, want 401", p.method, p.path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestQueueMutationsRejectNonAdmin(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token(t, "listener")

	resp := f.request(t, http.MethodPost, "/api/v1/channels/trance/queue/", tok, map[string]any{"track_id": uuid.NewString()})
	assertErrorCode(t, resp, http.StatusForbidden, "insufficient_role")
}

func TestPublicReadsNeedNoToken(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{
		"/api/v1/channels/",
		"/api/v1/channels/trance/",
		"/api/v1/channels/trance/now-playing",
		"/api/v1/channels/trance/queue/",
		"/api/v1/channels/trance/history",
		"/api/v1/tracks/",
	} {
		resp := f.request(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status = %d, want 200", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestUnknownChannelRejected(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodGet, "/api/v1/channels/jazz/", "", nil)
	assertErrorCode(t, resp, http.StatusBadRequest, "invalid_channel")
}

func TestStoreOutageMapsToServiceUnavailable(t *testing.T) {
	f := newAPIFixture(t)

	f.mr.Close()

	resp := f.request(t, http.MethodGet, "/api/v1/channels/trance/", "", nil)
	assertErrorCode(t, resp, http.StatusServiceUnavailable, "store_unavailable")
}

func TestMalformedTokenRejected(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodPost, "/api/v1/channels/trance/reset", "not-a-jwt", nil)
	assertStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}
