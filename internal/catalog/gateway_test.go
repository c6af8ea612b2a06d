package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi/internal/models"
)

func openCatalogTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Track{}, &models.TrackChannel{}, &models.PlayHistory{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type fakeBlobStore struct {
	deleted []string
	err     error
}

func (f *fakeBlobStore) Delete(ctx context.Context, path string) error {
	f.deleted = append(f.deleted, path)
	return f.err
}

func seedTrack(t *testing.T, db *gorm.DB, channel string, lastPlayedAt *time.Time, uploadedAt time.Time) models.Track {
	t.Helper()

	track := models.Track{
		ID:           uuid.NewString(),
		Location:     fmt.Sprintf("%s/%s.mp3", channel, uuid.NewString()),
		Artist:       "Artist",
		Title:        "Title",
		Format:       "mp3",
		LastPlayedAt: lastPlayedAt,
		UploadedAt:   uploadedAt,
	}
	if err := db.Create(&track).Error; err != nil {
		t.Fatalf("seed track: %v", err)
	}
	if err := db.Create(&models.TrackChannel{TrackID: track.ID, Channel: channel}).Error; err != nil {
		t.Fatalf("seed track channel: %v", err)
	}
	return track
}

func TestQueryByChannelAndRecency(t *testing.T) {
	db := openCatalogTestDB(t)
	gw := New(db, &fakeBlobStore{}, zerolog.Nop())
	ctx := context.Background()

	now := time.Now()
	cutoff := now.Add(-3 * time.Hour)
	recencyWindow := now.Add(-10 * time.Minute)

	oldPlay := now.Add(-4 * time.Hour)
	recentPlay := now.Add(-30 * time.Minute)

	eligibleOld := seedTrack(t, db, "trance", &oldPlay, now.Add(-48*time.Hour))
	eligibleFresh := seedTrack(t, db, "trance", nil, now.Add(-5*time.Minute))
	playedRecently := seedTrack(t, db, "trance", &recentPlay, now.Add(-48*time.Hour))
	staleNeverPlayed := seedTrack(t, db, "trance", nil, now.Add(-1*time.Hour))
	otherChannel := seedTrack(t, db, "house", &oldPlay, now.Add(-48*time.Hour))
	excluded := seedTrack(t, db, "trance", &oldPlay, now.Add(-48*time.Hour))

	tracks, err := gw.QueryByChannelAndRecency(ctx, "trance", cutoff, recencyWindow, []string{excluded.ID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	got := make(map[string]bool, len(tracks))
	for _, tr := range tracks {
		got[tr.ID] = true
	}
	if !got[eligibleOld.ID] {
		t.Error("expected track played before cutoff to be eligible")
	}
	if !got[eligibleFresh.ID] {
		t.Error("expected never-played fresh upload to be eligible")
	}
	if got[playedRecently.ID] {
		t.Error("track inside the no-repeat window must not be eligible")
	}
	if got[staleNeverPlayed.ID] {
		t.Error("never-played track outside the recency window must not be eligible")
	}
	if got[otherChannel.ID] {
		t.Error("track from another channel must not be eligible")
	}
	if got[excluded.ID] {
		t.Error("excluded track id must not be returned")
	}
}

func TestQueryByChannelFallback(t *testing.T) {
	db := openCatalogTestDB(t)
	gw := New(db, &fakeBlobStore{}, zerolog.Nop())
	ctx := context.Background()

	now := time.Now()
	recentPlay := now.Add(-5 * time.Minute)

	a := seedTrack(t, db, "trance", &recentPlay, now.Add(-48*time.Hour))
	b := seedTrack(t, db, "trance", nil, now.Add(-48*time.Hour))
	seedTrack(t, db, "house", nil, now.Add(-48*time.Hour))

	tracks, err := gw.QueryByChannel(ctx, "trance", []string{b.ID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(tracks) != 1 || tracks[0].ID != a.ID {
		t.Fatalf("expected only %s, got %d tracks", a.ID, len(tracks))
	}
}

func TestGetByIDNotFound(t *testing.T) {
	db := openCatalogTestDB(t)
	gw := New(db, &fakeBlobStore{}, zerolog.Nop())

	if _, err := gw.GetByID(context.Background(), uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteByIDPurgesBlobAndRows(t *testing.T) {
	db := openCatalogTestDB(t)
	blobs := &fakeBlobStore{}
	gw := New(db, blobs, zerolog.Nop())
	ctx := context.Background()

	track := seedTrack(t, db, "trance", nil, time.Now().Add(-time.Hour))

	if err := gw.DeleteByID(ctx, track.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if len(blobs.deleted) != 1 || blobs.deleted[0] != track.Location {
		t.Fatalf("expected blob %q purged, got %v", track.Location, blobs.deleted)
	}
	if _, err := gw.GetByID(ctx, track.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected row gone, got %v", err)
	}

	var links int64
	if err := db.Model(&models.TrackChannel{}).Where("track_id = ?", track.ID).Count(&links).Error; err != nil {
		t.Fatalf("count links: %v", err)
	}
	if links != 0 {
		t.Fatalf("expected channel links gone, found %d", links)
	}
}

func TestDeleteByIDSurvivesMissingBlob(t *testing.T) {
	db := openCatalogTestDB(t)
	blobs := &fakeBlobStore{err: errors.New("object not found")}
	gw := New(db, blobs, zerolog.Nop())
	ctx := context.Background()

	track := seedTrack(t, db, "trance", nil, time.Now().Add(-time.Hour))

	if err := gw.DeleteByID(ctx, track.ID); err != nil {
		t.Fatalf("delete with failing blob store: %v", err)
	}
	if _, err := gw.GetByID(ctx, track.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected row gone despite blob failure, got %v", err)
	}
}

func TestRecordPlayStampsBookkeeping(t *testing.T) {
	db := openCatalogTestDB(t)
	gw := New(db, &fakeBlobStore{}, zerolog.Nop())
	ctx := context.Background()

	track := seedTrack(t, db, "trance", nil, time.Now().Add(-time.Hour))
	playedAt := time.Now().Truncate(time.Second)

	if err := gw.RecordPlay(ctx, "trance", track.ID, "Live Artist", "Live Title", playedAt); err != nil {
		t.Fatalf("record play: %v", err)
	}

	var history []models.PlayHistory
	if err := db.Where("track_id = ?", track.ID).Find(&history).Error; err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one history row, got %d", len(history))
	}
	if history[0].Channel != "trance" || history[0].Artist != "Live Artist" {
		t.Fatalf("unexpected history row: %+v", history[0])
	}

	reloaded, err := gw.GetByID(ctx, track.ID)
	if err != nil {
		t.Fatalf("reload track: %v", err)
	}
	if reloaded.PlayCount != 1 {
		t.Fatalf("expected play count 1, got %d", reloaded.PlayCount)
	}
	if reloaded.LastPlayedAt == nil {
		t.Fatal("expected last_played_at to be stamped")
	}
}

func TestSnapshotBuildsDaemonLocation(t *testing.T) {
	track := models.Track{ID: "t1", Location: "trance/song.mp3", Artist: "A", Title: "T"}

	entry := Snapshot(track, "/srv/media")
	if entry.Location != "/srv/media/trance/song.mp3" {
		t.Fatalf("unexpected location: %q", entry.Location)
	}

	entry = Snapshot(track, "/srv/media/")
	if entry.Location != "/srv/media/trance/song.mp3" {
		t.Fatalf("trailing slash not handled: %q", entry.Location)
	}

	entry = Snapshot(track, "")
	if entry.Location != "trance/song.mp3" {
		t.Fatalf("empty prefix not handled: %q", entry.Location)
	}
}
