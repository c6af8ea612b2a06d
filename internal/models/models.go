package models

import "time"

// Track is an audio asset in the catalog. Rotation only reads these fields;
// upload and metadata editing live outside this service, which performs the
// terminal delete.
type Track struct {
	ID              string `gorm:"type:uuid;primaryKey"`
	Location        string // media path relative to the storage root
	Artist          string `gorm:"index"`
	Title           string `gorm:"index"`
	Format          string `gorm:"type:varchar(16)"`
	DurationSeconds float64
	Uploader        string         `gorm:"index"`
	Channels        []TrackChannel `gorm:"foreignKey:TrackID;constraint:OnDelete:CASCADE"`
	PlayCount       int64
	LikeCount       int64
	LastPlayedAt    *time.Time `gorm:"index"`
	UploadedAt      time.Time  `gorm:"index"`
	UpdatedAt       time.Time
}

// TrackChannel links a track to a channel it rotates on.
type TrackChannel struct {
	TrackID string `gorm:"type:uuid;primaryKey"`
	Channel string `gorm:"type:varchar(64);primaryKey;index"`
}

// ChannelNames flattens the channel links.
func (t Track) ChannelNames() []string {
	names := make([]string, 0, len(t.Channels))
	for _, ch := range t.Channels {
		names = append(names, ch.Channel)
	}
	return names
}

// PlayHistory records one airing of a track, written on every play callback.
// Artist and title are snapshots so history survives catalog edits and deletes.
type PlayHistory struct {
	ID       string    `gorm:"type:uuid;primaryKey"`
	Channel  string    `gorm:"type:varchar(64);index"`
	TrackID  string    `gorm:"type:uuid;index"`
	Artist   string    `gorm:"index"`
	Title    string    `gorm:"index"`
	PlayedAt time.Time `gorm:"index"`
}
