// Package transport defines the external transport-pipeline contract
// consumed by the engine (§6 EXTERNAL INTERFACES): the four callbacks
// per transport (DASH, Smooth, local) that load and parse manifests
// and segments. The engine owns no wire format of its own beyond what
// these callbacks return (§1 Non-goals: manifest XML/JSON parsing and
// the wire HTTP layer are named as external collaborators).
//
// No concrete transport is grounded on a single teacher file (this is
// a pure interface boundary per the spec), but the split of "fetch
// manifest bytes" vs "parse manifest" vs "fetch segment bytes"
// mirrors dash2hlsd/internal/dash.Client's FetchAndParseMPD split from
// Downloader.QueueDownload.
package transport

import (
	"context"
	"time"

	"github.com/dashflow/streamengine/internal/manifest"
	"github.com/dashflow/streamengine/internal/queue"
)

// ManifestBytes is the result of a transport's load_manifest callback.
type ManifestBytes struct {
	Data      []byte
	FinalURL  string
	FetchedAt time.Time
	// UpdateURL, when set, is a shorter "partial update" document URL
	// the manifest advertised for subsequent refreshes (§4.L).
	UpdateURL string
}

// ManifestLoader fetches raw manifest bytes from a URL, following
// redirects and reporting the final resolved URL (§6 load_manifest).
type ManifestLoader interface {
	LoadManifest(ctx context.Context, url string) (ManifestBytes, error)
}

// ParseOptions are the hints a refresh policy passes to parse_manifest
// (§6, §4.L unsafe_mode).
type ParseOptions struct {
	// UnsafeMode reuses unsanitized values to go faster on the live
	// edge (§4.L).
	UnsafeMode bool
	// Previous is the manifest being refreshed, nil on the initial
	// parse. A partial-update parser may consult it to resolve
	// relative references.
	Previous *manifest.Manifest
}

// ManifestParser turns raw bytes into a Manifest (§6 parse_manifest).
// A full fetch returns a manifest to be passed to Manifest.Replace; a
// partial-update fetch returns one to be passed to Manifest.Update.
type ManifestParser interface {
	ParseManifest(data []byte, opts ParseOptions) (*manifest.Manifest, error)
}

// SegmentParseResult mirrors §6's parse_segment return shape.
type SegmentParseResult struct {
	SegmentType       string // "init" or "media"
	Data              []byte
	InitData          []byte
	ProtectionData    []manifest.ContentProtection
	InbandEvents      []manifest.StreamEvent
	PredictedSegments []manifest.Segment
	NeedsManifestRefresh bool
}

// SegmentParser implements §6's parse_segment callback.
type SegmentParser interface {
	ParseSegment(chunk []byte, isInit bool) (SegmentParseResult, error)
}

// Pipeline bundles the four transport callbacks for one manifest type
// (DASH, Smooth, local), matching §6's "four callbacks per transport".
type Pipeline struct {
	Name           string
	ManifestLoader ManifestLoader
	ManifestParser ManifestParser
	SegmentLoader  queue.SegmentLoader
	SegmentParser  SegmentParser
}
