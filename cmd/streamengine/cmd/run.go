package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dashflow/streamengine/internal/cancellation"
	"github.com/dashflow/streamengine/internal/cmcd"
	"github.com/dashflow/streamengine/internal/controlapi"
	"github.com/dashflow/streamengine/internal/engineconfig"
	"github.com/dashflow/streamengine/internal/fetcher"
	"github.com/dashflow/streamengine/internal/manifest"
	"github.com/dashflow/streamengine/internal/transport"
)

var (
	manifestURL string
	listenAddr  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the streaming engine against a manifest URL",
	Long: `Fetches the manifest at --manifest-url, keeps it refreshed
according to the configured retry/refresh policy, and serves the
read-only control API on --listen so a host application can observe
the engine's live state.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&manifestURL, "manifest-url", "", "manifest URL to fetch (required)")
	runCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8090", "control API listen address")
	_ = runCmd.MarkFlagRequired("manifest-url")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("run: loading config: %w", err)
	}

	mf := manifest.NewManifest("live")
	cmcdEnabled := cancellation.NewSharedReference(cfg.CMCD.Enabled)
	pipeline := buildHTTPPipeline(cfg.CMCD, cmcdEnabled)

	f := fetcher.New(log, mf, pipeline, fetcher.Config{
		URIs: []string{manifestURL},
		Retry: fetcher.RetryConfig{
			MaxRetry:        cfg.Retry.MaxRetry,
			MaxOfflineRetry: cfg.Retry.MaxOfflineRetry,
			BackoffBase:     cfg.Retry.BackoffBase,
			BackoffMax:      cfg.Retry.BackoffMax,
		},
	}, func(err error) { log.Warnf("fetcher warning: %v", err) }, func(err error) { log.Errorf("fetcher error: %v", err) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.InitialFetch(ctx); err != nil {
		return fmt.Errorf("run: initial manifest fetch: %w", err)
	}
	log.Infof("initial manifest fetched from %s", manifestURL)

	bufferTarget := cancellation.NewSharedReference(cfg.Buffer.WantedBufferAhead)

	var watcher *engineconfig.Watcher
	if cfgFile != "" {
		watcher, err = engineconfig.NewWatcher(log, v, cfgFile, bufferTarget, cmcdEnabled)
		if err != nil {
			return fmt.Errorf("run: creating config watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("run: starting config watcher: %w", err)
		}
	}

	api := controlapi.NewServer(log, listenAddr, &engineStateProvider{mf: mf, bufferTarget: bufferTarget})
	go func() {
		if err := api.ListenAndServe(); err != nil {
			log.Errorf("control API stopped: %v", err)
		}
	}()

	go f.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Infof("shutting down...")

	cancel()
	if watcher != nil {
		watcher.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return api.Shutdown(shutdownCtx)
}

func buildHTTPPipeline(cmcdCfg engineconfig.CMCDConfig, cmcdEnabled *cancellation.SharedReference[bool]) transport.Pipeline {
	ml := transport.NewHTTPManifestLoader("streamengine/1.0")
	sl := transport.NewHTTPSegmentLoader("streamengine/1.0")

	provider := func() (cmcd.Data, string, bool) {
		if !cmcdEnabled.Get() {
			return cmcd.Data{}, "", false
		}
		mode := cmcdCfg.Mode
		if mode == "" {
			mode = "header"
		}
		return cmcd.Data{SessionID: cmcdCfg.SessionID}, mode, true
	}
	ml.CMCD = provider
	sl.CMCD = provider

	return transport.Pipeline{
		Name:           "http",
		ManifestLoader: ml,
		ManifestParser: passthroughParser{},
		SegmentLoader:  sl,
		SegmentParser:  passthroughParser{},
	}
}

// passthroughParser is a placeholder ManifestParser/SegmentParser: a
// real deployment supplies a DASH/HLS-specific parser (§6 treats
// parse_manifest/parse_segment as external collaborators, not an
// engine concern).
type passthroughParser struct{}

func (passthroughParser) ParseManifest(data []byte, opts transport.ParseOptions) (*manifest.Manifest, error) {
	return nil, fmt.Errorf("run: no manifest parser configured for this transport")
}

func (passthroughParser) ParseSegment(chunk []byte, isInit bool) (transport.SegmentParseResult, error) {
	return transport.SegmentParseResult{}, fmt.Errorf("run: no segment parser configured for this transport")
}

type engineStateProvider struct {
	mf           *manifest.Manifest
	bufferTarget *cancellation.SharedReference[time.Duration]
}

func (p *engineStateProvider) Manifest() *manifest.Manifest { return p.mf }

func (p *engineStateProvider) ChosenRepresentations() []controlapi.RepresentationSummary {
	return nil
}

func (p *engineStateProvider) BufferLevels() map[string]float64 {
	return map[string]float64{"target": p.bufferTarget.Get().Seconds()}
}
