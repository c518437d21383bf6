// Package queue implements the per-Representation segment queue
// described in the engine design (§4.D): a priority-ordered pending
// list, bounded retry budgets split between "offline" and "regular"
// failures, a CDN Prioritizer choosing among a Representation's
// candidate origins, and backpressure via a configurable pipeline
// depth.
//
// Grounded on dash2hlsd/internal/dash.Downloader: that type fans a
// single task channel out across N generic HTTP workers sharing one
// retry policy. Here the shape is inverted — one queue per
// Representation, matching §8 invariant 4 ("a Segment Queue never has
// two media requests in flight for the same Representation
// concurrently") — and the fixed http.Client is replaced by a CDN
// Prioritizer choosing among a Representation's CDNMetadata entries.
package queue

import (
	"context"

	"github.com/dashflow/streamengine/internal/manifest"
)

// SegmentChunk is one piece of a segment's media or initialization
// data as returned by a transport pipeline's load_segment callback.
type SegmentChunk struct {
	Data    []byte
	IsLast  bool
	IsInit  bool
}

// SegmentLoader is the narrow transport-pipeline contract a
// SegmentQueue depends on: load_segment(segment, cdn) → chunk stream
// (§6 EXTERNAL INTERFACES). Implementations report chunks by invoking
// onChunk in order before returning; the final call with
// chunk.IsLast=true closes the stream.
type SegmentLoader interface {
	LoadSegment(ctx context.Context, seg manifest.Segment, cdn manifest.CDNMetadata, onChunk func(SegmentChunk) error) error
}
