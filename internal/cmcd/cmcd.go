// Package cmcd builds Common Media Client Data (CTA-5004) key-value
// pairs from observed playback state, byte-exact per §6: CMCD v1,
// comma-separated, URL-encoded key-value pairs suitable for a query
// string or an HTTP header.
//
// New component; grounded on dash2hlsd/internal/hls.GenerateMediaPlaylist's
// strings.Builder style for emitting a compact wire format, applied
// here to CTA-5004's key-value grammar instead of M3U8 tags.
package cmcd

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ObjectType is CMCD's "ot" key (§CTA-5004 Table 4).
type ObjectType string

const (
	ObjectInit       ObjectType = "i"
	ObjectAudio      ObjectType = "a"
	ObjectVideo      ObjectType = "v"
	ObjectMuxed      ObjectType = "av"
	ObjectManifest   ObjectType = "m"
	ObjectCaption    ObjectType = "c"
	ObjectTimedText  ObjectType = "tt"
	ObjectKey        ObjectType = "k"
	ObjectOther      ObjectType = "o"
)

// StreamingFormat is CMCD's "sf" key.
type StreamingFormat string

const (
	FormatDASH   StreamingFormat = "d"
	FormatSmooth StreamingFormat = "s"
	FormatHLS    StreamingFormat = "h"
	FormatOther  StreamingFormat = "o"
)

// Data is the subset of CMCD v1 keys the engine can populate from
// observed playback and request state (§4.I's request-metrics
// callback and §6's playback observer feed these).
type Data struct {
	// br: Encoded bitrate of the object being requested, in kbps.
	EncodedBitrateKbps int
	// bl: Buffer length, in milliseconds, associated with the media
	// object being requested.
	BufferLengthMs int
	// d: Object duration — requested segment duration, in milliseconds.
	DurationMs int
	// mtp: Measured throughput, in kbps, the estimator's effective
	// estimate for this track type.
	MeasuredThroughputKbps int
	// nor: Relative path of the next object to be requested.
	NextObjectRequest string
	// nrr: Next range request, byte range of the next request.
	NextRangeRequest string
	// ot: Media type of the current object being requested.
	ObjectType ObjectType
	// pr: Playback rate.
	PlaybackRate float64
	// rtp: Requested maximum throughput, in kbps, the client expects
	// to need.
	RequestedMaxThroughputKbps int
	// sf: Streaming format.
	StreamingFormat StreamingFormat
	// sid: GUID identifying the current playback session.
	SessionID string
	// st: Stream type, "v" (VOD) or "l" (live).
	IsLive bool
	// su: Startup — true if the object is needed urgently due to
	// startup, seek, or recovery from a stall.
	StartupUrgent bool
	// tb: Top bitrate, in kbps, of the highest representation in the
	// Adaptation the requested object belongs to.
	TopBitrateKbps int
}

// BuildHeaderValue returns the CMCD v1 key-value pairs comma-separated
// and unescaped, suitable for the CMCD-Request/-Object/-Status/-Session
// HTTP headers (CTA-5004 §3.1 — headers carry the raw key-value list).
func BuildHeaderValue(d Data) string {
	return buildPairs(d)
}

// BuildQuery returns the same key-value pairs as a single
// URL-encoded query-string value, for transports that append CMCD
// data as a "CMCD=" query parameter instead of headers (CTA-5004
// §3.2).
func BuildQuery(d Data) string {
	return url.QueryEscape(buildPairs(d))
}

func buildPairs(d Data) string {
	type kv struct {
		key string
		val string
	}
	var pairs []kv

	addInt := func(key string, v int) {
		if v != 0 {
			pairs = append(pairs, kv{key, strconv.Itoa(v)})
		}
	}
	addTokenOrInt := func(key string, v int) {
		addInt(key, v)
	}
	addString := func(key, v string) {
		if v != "" {
			pairs = append(pairs, kv{key, quote(v)})
		}
	}
	addToken := func(key, v string) {
		if v != "" {
			pairs = append(pairs, kv{key, v})
		}
	}
	addBool := func(key string, v bool) {
		if v {
			pairs = append(pairs, kv{key, ""})
		}
	}

	addInt("br", d.EncodedBitrateKbps)
	addInt("bl", roundTo100(d.BufferLengthMs))
	addInt("d", d.DurationMs)
	addTokenOrInt("mtp", roundTo100(d.MeasuredThroughputKbps))
	addString("nor", d.NextObjectRequest)
	addString("nrr", d.NextRangeRequest)
	addToken("ot", string(d.ObjectType))
	if d.PlaybackRate != 0 && d.PlaybackRate != 1 {
		pairs = append(pairs, kv{"pr", strconv.FormatFloat(d.PlaybackRate, 'g', -1, 64)})
	}
	addInt("rtp", roundTo100(d.RequestedMaxThroughputKbps))
	addToken("sf", string(d.StreamingFormat))
	addString("sid", d.SessionID)
	if d.IsLive {
		pairs = append(pairs, kv{"st", "l"})
	}
	addBool("su", d.StartupUrgent)
	addInt("tb", d.TopBitrateKbps)

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	var sb strings.Builder
	for i, p := range pairs {
		if i > 0 {
			sb.WriteByte(',')
		}
		if p.val == "" {
			sb.WriteString(p.key)
		} else {
			sb.WriteString(fmt.Sprintf("%s=%s", p.key, p.val))
		}
	}
	return sb.String()
}

// roundTo100 rounds buffer/throughput values to the nearest 100; it is
// applied to bl, mtp and rtp to limit cardinality (br is sent as is).
func roundTo100(v int) int {
	if v == 0 {
		return 0
	}
	return ((v + 50) / 100) * 100
}

func quote(s string) string {
	return fmt.Sprintf("%q", s)
}
