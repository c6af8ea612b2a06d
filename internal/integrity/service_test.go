package integrity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi/internal/catalog"
	"github.com/friendsincode/bragi/internal/channelstate"
	"github.com/friendsincode/bragi/internal/events"
	"github.com/friendsincode/bragi/internal/models"
	"github.com/friendsincode/bragi/internal/queue"
)

// fakeBlobs doubles as the catalog's blob store and the scanner's
// existence checker.
type fakeBlobs struct {
	present map[string]bool
}

func (f *fakeBlobs) Exists(ctx context.Context, path string) (bool, error) {
	return f.present[path], nil
}

func (f *fakeBlobs) Delete(ctx context.Context, path string) error {
	delete(f.present, path)
	return nil
}

type integrityFixture struct {
	db    *gorm.DB
	store *channelstate.Store
	blobs *fakeBlobs
	svc   *Service
}

func newIntegrityFixture(t *testing.T) *integrityFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Track{}, &models.TrackChannel{}, &models.PlayHistory{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := channelstate.NewWithClient(client, zerolog.Nop())
	blobs := &fakeBlobs{present: make(map[string]bool)}
	gw := catalog.New(db, blobs, zerolog.Nop())
	mut := queue.NewMutator(store, events.NewBus(), zerolog.Nop())

	return &integrityFixture{
		db:    db,
		store: store,
		blobs: blobs,
		svc:   NewService(db, store, gw, mut, blobs, []string{"trance"}, zerolog.Nop()),
	}
}

func (f *integrityFixture) seedTrack(t *testing.T, withBlob bool, channels ...string) models.Track {
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
	if withBlob {
		f.blobs.present[track.Location] = true
	}
	return track
}

func TestScanDetectsDrift(t *testing.T) {
	f := newIntegrityFixture(t)
	ctx := context.Background()

	healthy := f.seedTrack(t, true, "trance")
	noChannel := f.seedTrack(t, true)
	noBlob := f.seedTrack(t, false, "trance")
	ghostQueued := uuid.NewString()
	ghostPlaying := uuid.NewString()
	ghostPending := uuid.NewString()

	playlist := []channelstate.Entry{{ID: healthy.ID}, {ID: ghostQueued, Artist: "Gone", Title: "Gone"}}
	if err := f.store.SetPlaylist(ctx, "trance", playlist); err != nil {
		t.Fatalf("seed playlist: %v", err)
	}
	if err := f.store.SetNowPlaying(ctx, "trance", &channelstate.Entry{ID: ghostPlaying}); err != nil {
		t.Fatalf("seed now playing: %v", err)
	}
	if err := f.store.SetPendingRemoval(ctx, []string{ghostPending}); err != nil {
		t.Fatalf("seed pending removal: %v", err)
	}

	report, err := f.svc.Scan(ctx)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	if report.Total != 5 {
		t.Fatalf("expected 5 findings, got %d: %#v", report.Total, report.ByType)
	}
	for _, ft := range []FindingType{
		FindingTrackWithoutChannel,
		FindingTrackBlobMissing,
		FindingStalePendingRemoval,
		FindingQueuedTrackMissing,
		FindingNowPlayingNotInCatalog,
	} {
		if report.ByType[ft] != 1 {
			t.Fatalf("expected one %s finding, got %d", ft, report.ByType[ft])
		}
	}

	for _, finding := range report.Findings {
		switch finding.Type {
		case FindingTrackWithoutChannel:
			if finding.ResourceID != noChannel.ID {
				t.Fatalf("wrong channel-less track: %s", finding.ResourceID)
			}
		case FindingTrackBlobMissing:
			if finding.ResourceID != noBlob.ID {
				t.Fatalf("wrong blob-less track: %s", finding.ResourceID)
			}
		case FindingQueuedTrackMissing:
			if finding.ResourceID != ghostQueued || finding.Channel == nil || *finding.Channel != "trance" {
				t.Fatalf("wrong queued ghost: %#v", finding)
			}
		}
	}
}

func TestScanCleanStateHasNoFindings(t *testing.T) {
	f := newIntegrityFixture(t)
	ctx := context.Background()

	track := f.seedTrack(t, true, "trance")
	if err := f.store.SetPlaylist(ctx, "trance", []channelstate.Entry{{ID: track.ID}}); err != nil {
		t.Fatalf("seed playlist: %v", err)
	}

	report, err := f.svc.Scan(ctx)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if report.Total != 0 {
		t.Fatalf("expected clean report, got %#v", report.Findings)
	}
}

func TestRepairActionsAreIdempotent(t *testing.T) {
	f := newIntegrityFixture(t)
	ctx := context.Background()

	orphan := f.seedTrack(t, true)
	ghostQueued := uuid.NewString()
	ghostPending := uuid.NewString()

	if err := f.store.SetPlaylist(ctx, "trance", []channelstate.Entry{{ID: ghostQueued}}); err != nil {
		t.Fatalf("seed playlist: %v", err)
	}
	if err := f.store.SetPendingRemoval(ctx, []string{ghostPending}); err != nil {
		t.Fatalf("seed pending removal: %v", err)
	}

	tests := []struct {
		name   string
		input  RepairInput
		verify func(t *testing.T)
	}{
		{
			name:  "track_without_channel",
			input: RepairInput{Type: FindingTrackWithoutChannel, ResourceID: orphan.ID},
			verify: func(t *testing.T) {
				var count int64
				if err := f.db.Model(&models.Track{}).Where("id = ?", orphan.ID).Count(&count).Error; err != nil {
					t.Fatalf("count tracks: %v", err)
				}
				if count != 0 {
					t.Fatal("expected unreachable track deleted")
				}
			},
		},
		{
			name:  "stale_pending_removal",
			input: RepairInput{Type: FindingStalePendingRemoval, ResourceID: ghostPending},
			verify: func(t *testing.T) {
				pending, err := f.store.PendingRemoval(ctx)
				if err != nil {
					t.Fatalf("pending removal: %v", err)
				}
				if len(pending) != 0 {
					t.Fatalf("expected reservation dropped, got %v", pending)
				}
			},
		},
		{
			name:  "queued_track_missing",
			input: RepairInput{Type: FindingQueuedTrackMissing, Channel: "trance", ResourceID: ghostQueued},
			verify: func(t *testing.T) {
				state, err := f.store.Get(ctx, "trance")
				if err != nil {
					t.Fatalf("get state: %v", err)
				}
				if len(state.Playlist) != 0 {
					t.Fatalf("expected ghost filtered, got %v", state.Playlist)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.svc.Repair(ctx, tt.input)
			if err != nil {
				t.Fatalf("repair failed: %v", err)
			}
			if !result.Changed {
				t.Fatalf("expected first repair to change state: %s", result.Message)
			}
			tt.verify(t)

			result, err = f.svc.Repair(ctx, tt.input)
			if err != nil {
				t.Fatalf("second repair failed: %v", err)
			}
			if result.Changed {
				t.Fatalf("expected second repair to be a no-op: %s", result.Message)
			}
			tt.verify(t)
		})
	}
}

func TestRepairRejectsUnknownFinding(t *testing.T) {
	f := newIntegrityFixture(t)

	if _, err := f.svc.Repair(context.Background(), RepairInput{Type: "bogus"}); err == nil {
		t.Fatal("expected error for unsupported finding type")
	}
}
