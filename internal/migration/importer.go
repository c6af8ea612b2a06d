/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package migration imports track catalogs from legacy radio automation
// systems. Imported files go through the regular media store, so once the
// run finishes the tracks are indistinguishable from uploaded ones.
package migration

import (
	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi/internal/catalog"
	"github.com/friendsincode/bragi/internal/media"
)

// Options controls one import run.
type Options struct {
	// ChannelMap maps a legacy station short name onto a Bragi channel.
	// Media belonging to stations without a mapping is skipped.
	ChannelMap map[string]string
	// DryRun walks the whole backup and counts what would be imported
	// without writing catalog rows or media blobs.
	DryRun bool
}

// Stats counts what one import run did.
type Stats struct {
	StationsMatched int
	TracksImported  int
	TracksSkipped   int
	Errors          int
}

// Importer pulls tracks out of a legacy backup and into the catalog.
type Importer struct {
	catalog *catalog.Gateway
	media   *media.Service
	logger  zerolog.Logger
	options Options
	stats   Stats
}

// NewImporter creates an importer writing through the given catalog and
// media store.
func NewImporter(cat *catalog.Gateway, mediaSvc *media.Service, logger zerolog.Logger, options Options) *Importer {
	return &Importer{
		catalog: cat,
		media:   mediaSvc,
		logger:  logger.With().Str("component", "importer").Logger(),
		options: options,
	}
}
