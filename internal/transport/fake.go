package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dashflow/streamengine/internal/manifest"
	"github.com/dashflow/streamengine/internal/queue"
)

// FakePipeline is an in-memory transport implementation used by tests
// and the CLI's demo mode (not a spec component — an external
// collaborator stand-in, per §1/§6). It serves a fixed manifest
// snapshot and synthesizes segment bytes on demand rather than
// touching the network.
type FakePipeline struct {
	mu sync.Mutex

	ManifestData []byte
	BuildManifest func(data []byte, opts ParseOptions) (*manifest.Manifest, error)

	// SegmentBytes maps a segment id to the bytes LoadSegment returns;
	// segments absent from this map synthesize a small deterministic
	// payload instead of failing, so demo scenarios work without
	// fixture data for every segment.
	SegmentBytes map[string][]byte

	// FailSegments, when set, makes LoadSegment return an error for
	// the listed segment ids (used to exercise retry/avoidance paths).
	FailSegments map[string]error

	loadCount map[string]int
}

// NewFakePipeline constructs a FakePipeline wrapping a manifest-build
// function; data is passed through to BuildManifest unchanged.
func NewFakePipeline(data []byte, build func([]byte, ParseOptions) (*manifest.Manifest, error)) *FakePipeline {
	return &FakePipeline{
		ManifestData:  data,
		BuildManifest: build,
		SegmentBytes:  make(map[string][]byte),
		FailSegments:  make(map[string]error),
		loadCount:     make(map[string]int),
	}
}

// LoadManifest returns the fixed manifest document.
func (f *FakePipeline) LoadManifest(ctx context.Context, url string) (ManifestBytes, error) {
	select {
	case <-ctx.Done():
		return ManifestBytes{}, ctx.Err()
	default:
	}
	return ManifestBytes{Data: f.ManifestData, FinalURL: url, FetchedAt: time.Now()}, nil
}

// ParseManifest delegates to BuildManifest.
func (f *FakePipeline) ParseManifest(data []byte, opts ParseOptions) (*manifest.Manifest, error) {
	if f.BuildManifest == nil {
		return nil, fmt.Errorf("fake pipeline: no BuildManifest configured")
	}
	return f.BuildManifest(data, opts)
}

// LoadSegment synthesizes or replays fixture bytes for seg, delivered
// as a single chunk with IsLast=true, matching §6's chunk-stream
// contract for a fixture that never actually chunks.
func (f *FakePipeline) LoadSegment(ctx context.Context, seg manifest.Segment, cdn manifest.CDNMetadata, onChunk func(queue.SegmentChunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	f.mu.Lock()
	if err, ok := f.FailSegments[seg.ID]; ok {
		f.loadCount[seg.ID]++
		f.mu.Unlock()
		return err
	}
	data, ok := f.SegmentBytes[seg.ID]
	f.loadCount[seg.ID]++
	f.mu.Unlock()

	if !ok {
		data = []byte(fmt.Sprintf("fake-segment:%s:time=%d", seg.ID, seg.Time))
	}
	return onChunk(queue.SegmentChunk{Data: data, IsLast: true, IsInit: seg.IsInit})
}

// ParseSegment treats the whole chunk as opaque payload with no
// predicted segments or in-band events, suitable for demo/test use.
func (f *FakePipeline) ParseSegment(chunk []byte, isInit bool) (SegmentParseResult, error) {
	kind := "media"
	if isInit {
		kind = "init"
	}
	return SegmentParseResult{SegmentType: kind, Data: chunk}, nil
}

// ParseInit implements stream.ChunkLoader for use directly as a
// Representation Stream's loader in tests/demo.
func (f *FakePipeline) ParseInit(data []byte) ([]manifest.ContentProtection, error) {
	return nil, nil
}

// ParseMedia implements stream.ChunkLoader.
func (f *FakePipeline) ParseMedia(data []byte) ([]manifest.Segment, []manifest.StreamEvent, error) {
	return nil, nil, nil
}

// LoadCount reports how many times LoadSegment was called for a given
// segment id, useful for asserting retry behavior in tests.
func (f *FakePipeline) LoadCount(segmentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadCount[segmentID]
}
