// Package fetcher implements the manifest fetcher and refresh
// scheduler described in the engine design (§4.L): the initial fetch
// with per-URL fallback and retry policy, full/partial/unsafe refresh
// modes, and a schedule policy driven by lifetime, out-of-sync
// signals, manual refresh requests, and an expired-window promise.
//
// Grounded on dash2hlsd/internal/dash.Client.FetchAndParseMPD
// (redirect handling, status check, decode) and
// dash2hlsd/internal/session.StreamSession's mpdRefreshLoop/refreshMPD
// (ticker-driven refresh, timeline merge-on-update), generalized here
// from a single fixed-interval ticker to the full multi-trigger
// schedule policy of §4.L.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dashflow/streamengine/internal/engineerr"
	"github.com/dashflow/streamengine/internal/logger"
	"github.com/dashflow/streamengine/internal/manifest"
	"github.com/dashflow/streamengine/internal/transport"
)

// RefreshMode selects how a scheduled refresh fetches and applies the
// new document (§4.L).
type RefreshMode int

const (
	// RefreshFull re-parses the whole manifest and Replace()s it.
	RefreshFull RefreshMode = iota
	// RefreshPartial fetches the shorter update_url document (when
	// set) and Update()s the manifest.
	RefreshPartial
	// RefreshUnsafe reuses unsanitized values to go faster at the live
	// edge; it still performs a partial fetch/update but skips the
	// usual sanitation pass a parser would otherwise run (parsers opt
	// into this via ParseOptions.UnsafeMode).
	RefreshUnsafe
)

// OutOfSyncManifestRefreshDelay is applied when an out-of-sync signal
// requests an expedited refresh (§4.L).
const OutOfSyncManifestRefreshDelay = 2 * time.Second

// RetryConfig bounds the initial-fetch retry policy (§4.L "apply
// retry policy (max_retry, backoff with jitter, separate offline
// budget)").
type RetryConfig struct {
	MaxRetry       int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxOfflineRetry int
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetry: 4, BackoffBase: 300 * time.Millisecond, BackoffMax: 10 * time.Second, MaxOfflineRetry: 1}
}

// Demand expresses how strong a manual refresh request is; a
// collapses-with-pending request only replaces an already-scheduled
// one if its demand is at least as strong (§4.L "A manual refresh
// request collapses with a pending one if its demand is strictly
// weaker").
type Demand int

const (
	DemandPartialAllowed Demand = iota
	DemandFullRequired
)

// Request is one manual refresh request.
type Request struct {
	Demand Demand
	Unsafe bool
}

// Config holds the scheduler's policy inputs.
type Config struct {
	URIs                        []string
	UpdateURL                   string
	MinimumManifestUpdateInterval time.Duration
	Retry                       RetryConfig
}

// Fetcher performs the initial fetch and runs the refresh scheduler
// loop for one Manifest.
type Fetcher struct {
	log      logger.Logger
	mf       *manifest.Manifest
	pipeline transport.Pipeline
	cfg      Config

	mu                sync.Mutex
	lastFetchAt       time.Time
	outOfSyncSignalled bool
	pendingRequest    *Request
	lastManualRefresh time.Time

	onWarning func(error)
	onError   func(error)
}

// New constructs a Fetcher bound to mf and pipeline.
func New(log logger.Logger, mf *manifest.Manifest, pipeline transport.Pipeline, cfg Config, onWarning, onError func(error)) *Fetcher {
	return &Fetcher{
		log:       log.With("fetcher"),
		mf:        mf,
		pipeline:  pipeline,
		cfg:       cfg,
		onWarning: onWarning,
		onError:   onError,
	}
}

// InitialFetch tries each configured URL in order until one succeeds,
// applying the retry policy to each attempt, then Replace()s mf with
// the parsed result (§4.L "Initial fetch").
func (f *Fetcher) InitialFetch(ctx context.Context) error {
	if len(f.cfg.URIs) == 0 {
		return fmt.Errorf("fetcher: no manifest URIs configured")
	}

	var lastErr error
	for _, url := range f.cfg.URIs {
		mfBytes, err := f.fetchWithRetry(ctx, url, false)
		if err != nil {
			lastErr = err
			f.warn(fmt.Errorf("initial fetch of %s failed: %w", url, err))
			continue
		}
		parsed, err := f.pipeline.ManifestParser.ParseManifest(mfBytes.Data, transport.ParseOptions{})
		if err != nil {
			lastErr = &engineerr.MediaError{Code: engineerr.CodeManifestParse, Err: err}
			f.warn(lastErr)
			continue
		}
		f.mf.Replace(parsed)
		f.mu.Lock()
		f.lastFetchAt = time.Now()
		f.mu.Unlock()
		return nil
	}
	return fmt.Errorf("fetcher: every manifest URI failed, last error: %w", lastErr)
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, url string, offline bool) (transport.ManifestBytes, error) {
	maxRetry := f.cfg.Retry.MaxRetry
	if offline {
		maxRetry = f.cfg.Retry.MaxOfflineRetry
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetry; attempt++ {
		if ctx.Err() != nil {
			return transport.ManifestBytes{}, ctx.Err()
		}
		b, err := f.pipeline.ManifestLoader.LoadManifest(ctx, url)
		if err == nil {
			return b, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			return transport.ManifestBytes{}, err
		}
		if attempt < maxRetry {
			delay := backoffWithJitter(f.cfg.Retry.BackoffBase, f.cfg.Retry.BackoffMax, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return transport.ManifestBytes{}, ctx.Err()
			}
		}
	}
	return transport.ManifestBytes{}, &engineerr.NetworkError{URL: url, Err: lastErr}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	d := base * time.Duration(1<<attempt)
	if max > 0 && d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

// SignalOutOfSync records that a manifestMightBeOutOfSync condition
// was raised, expediting the next scheduled refresh (§4.L, S6).
func (f *Fetcher) SignalOutOfSync() {
	f.mu.Lock()
	f.outOfSyncSignalled = true
	f.mu.Unlock()
}

// RequestRefresh queues a manual refresh request, collapsing with an
// already-pending one unless the new request's demand is at least as
// strong (§4.L).
func (f *Fetcher) RequestRefresh(req Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingRequest == nil || req.Demand >= f.pendingRequest.Demand {
		f.pendingRequest = &req
	}
}

// NextDelay computes the soonest of the scheduling triggers named in
// §4.L: lifetime seconds after the last fetch, the out-of-sync delay,
// the minimum-update-interval lower bound after a manual request, or
// zero if a manual request is already eligible to fire.
func (f *Fetcher) NextDelay(now time.Time) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	var candidates []time.Duration
	if lifetime := f.mf.Lifetime; lifetime != nil {
		candidates = append(candidates, timeUntil(f.lastFetchAt.Add(*lifetime), now))
	}
	if f.outOfSyncSignalled {
		candidates = append(candidates, timeUntil(f.lastFetchAt.Add(OutOfSyncManifestRefreshDelay), now))
	}
	if f.pendingRequest != nil {
		floor := f.lastManualRefresh.Add(f.cfg.MinimumManifestUpdateInterval)
		candidates = append(candidates, timeUntil(floor, now))
	}
	if len(candidates) == 0 {
		return -1 // no trigger scheduled
	}
	min := candidates[0]
	for _, c := range candidates[1:] {
		if c < min {
			min = c
		}
	}
	if min < 0 {
		min = 0
	}
	return min
}

func timeUntil(target, now time.Time) time.Duration {
	return target.Sub(now)
}

// RunOnce performs one scheduled refresh using whichever mode the
// current trigger state implies: a pending manual request's demand
// takes precedence, falling back to partial when update_url is set,
// else full.
func (f *Fetcher) RunOnce(ctx context.Context) error {
	f.mu.Lock()
	pending := f.pendingRequest
	f.pendingRequest = nil
	outOfSync := f.outOfSyncSignalled
	f.outOfSyncSignalled = false
	f.mu.Unlock()

	mode := f.defaultMode()
	unsafe := false
	if pending != nil {
		if pending.Demand == DemandFullRequired {
			mode = RefreshFull
		}
		unsafe = pending.Unsafe
	}
	if outOfSync {
		mode = RefreshFull
	}

	err := f.refresh(ctx, mode, unsafe)
	f.mu.Lock()
	f.lastManualRefresh = time.Now()
	f.mu.Unlock()
	return err
}

func (f *Fetcher) defaultMode() RefreshMode {
	if f.cfg.UpdateURL != "" {
		return RefreshPartial
	}
	return RefreshFull
}

func (f *Fetcher) refresh(ctx context.Context, mode RefreshMode, unsafe bool) error {
	url := f.primaryURL()
	if mode != RefreshFull && f.cfg.UpdateURL != "" {
		url = f.cfg.UpdateURL
	}

	b, err := f.fetchWithRetry(ctx, url, false)
	if err != nil {
		f.warn(fmt.Errorf("refresh fetch failed: %w", err))
		return err
	}
	parsed, err := f.pipeline.ManifestParser.ParseManifest(b.Data, transport.ParseOptions{UnsafeMode: unsafe, Previous: f.mf})
	if err != nil {
		perr := &engineerr.MediaError{Code: engineerr.CodeManifestParse, Err: err}
		f.warn(perr)
		return perr
	}

	if mode == RefreshFull {
		f.mf.Replace(parsed)
	} else {
		f.mf.Update(parsed)
	}

	f.mu.Lock()
	f.lastFetchAt = time.Now()
	f.mu.Unlock()
	return nil
}

func (f *Fetcher) primaryURL() string {
	if len(f.cfg.URIs) == 0 {
		return ""
	}
	return f.cfg.URIs[0]
}

func (f *Fetcher) warn(err error) {
	f.log.Warnf("%v", err)
	if f.onWarning != nil {
		f.onWarning(err)
	}
}

// Run drives the scheduler loop until ctx is cancelled, sleeping for
// NextDelay and calling RunOnce at each trigger.
func (f *Fetcher) Run(ctx context.Context) {
	for {
		delay := f.NextDelay(time.Now())
		if delay < 0 {
			delay = time.Hour // idle: rely on RequestRefresh/SignalOutOfSync to shorten this
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			if err := f.RunOnce(ctx); err != nil && f.onError != nil && engineerr.IsFatalToRepresentation(err) {
				// A manifest fetch/parse failure that exhausted retries
				// is fatal to the session, not just a single
				// Representation; surface it as such.
				f.onError(err)
			}
		}
	}
}
