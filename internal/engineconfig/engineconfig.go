// Package engineconfig loads the engine's static configuration (CDN
// list, retry policy, buffer targets, CMCD mode) and hot-reloads it at
// runtime (§6's "some mutable via shared references").
//
// Grounded on tvarr's internal/config (spf13/viper binding a YAML file,
// environment variables, and pflag-exposed flags into a mapstructure
// tagged Config) and mantonx-viewra's pluginmodule/hot_reload.go
// (fsnotify.Watcher plus a debounce timer before reacting to a file
// change), adapted here from plugin-reload to pushing changed values
// into cancellation.SharedReference cells instead of restarting a
// component.
package engineconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dashflow/streamengine/internal/cancellation"
	"github.com/dashflow/streamengine/internal/logger"
)

// CDNConfig is one entry in the CDN priority list (§4.D Prioritizer).
type CDNConfig struct {
	Name     string `mapstructure:"name"`
	BaseURL  string `mapstructure:"base_url"`
	Priority int    `mapstructure:"priority"`
}

// RetryConfig mirrors the fetcher/queue retry knobs (§4.D, §4.L).
type RetryConfig struct {
	MaxRetry        int           `mapstructure:"max_retry"`
	MaxOfflineRetry int           `mapstructure:"max_offline_retry"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
}

// BufferConfig mirrors the orchestrator's wanted-buffer-ahead targets.
type BufferConfig struct {
	WantedBufferAhead time.Duration `mapstructure:"wanted_buffer_ahead"`
	MaxBufferAhead    time.Duration `mapstructure:"max_buffer_ahead"`
}

// CMCDConfig controls whether and how CMCD data is attached to
// requests (§6).
type CMCDConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mode      string `mapstructure:"mode"` // "header" or "query"
	SessionID string `mapstructure:"session_id"`
}

// Config is the engine's full static configuration tree.
type Config struct {
	CDNs    []CDNConfig  `mapstructure:"cdns"`
	Retry   RetryConfig  `mapstructure:"retry"`
	Buffer  BufferConfig `mapstructure:"buffer"`
	CMCD    CMCDConfig   `mapstructure:"cmcd"`
	LogLevel string      `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("retry.max_retry", 4)
	v.SetDefault("retry.max_offline_retry", 1)
	v.SetDefault("retry.backoff_base", 300*time.Millisecond)
	v.SetDefault("retry.backoff_max", 10*time.Second)
	v.SetDefault("buffer.wanted_buffer_ahead", 30*time.Second)
	v.SetDefault("buffer.max_buffer_ahead", 60*time.Second)
	v.SetDefault("cmcd.enabled", false)
	v.SetDefault("cmcd.mode", "header")
	v.SetDefault("log_level", "info")
}

// Flags registers the engine-specific configurable keys (buffer
// target, CMCD enabled) as persistent flags on fs and binds them to v,
// following tvarr's root.go BindPFlag pattern. The CLI's own "config"
// and "log-level" flags are registered by the caller and bound
// separately with BindLogLevel, since those belong to the command
// tree itself rather than to the engine's Config struct alone.
func Flags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.Duration("buffer.wanted-buffer-ahead", 30*time.Second, "target buffer-ahead duration")
	fs.Bool("cmcd.enabled", false, "attach CMCD data to segment/manifest requests")

	for key, flagName := range map[string]string{
		"buffer.wanted_buffer_ahead": "buffer.wanted-buffer-ahead",
		"cmcd.enabled":              "cmcd.enabled",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
			return fmt.Errorf("engineconfig: binding flag %q: %w", flagName, err)
		}
	}
	return nil
}

// BindLogLevel binds an already-registered "log-level" flag to v's
// "log_level" config key.
func BindLogLevel(fs *pflag.FlagSet, v *viper.Viper) error {
	if err := v.BindPFlag("log_level", fs.Lookup("log-level")); err != nil {
		return fmt.Errorf("engineconfig: binding flag %q: %w", "log-level", err)
	}
	return nil
}

// Load reads configuration from the file at path (if non-empty),
// environment variables (ENGINE_-prefixed), and flags already bound to
// v, returning the decoded Config.
func Load(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("engineconfig: reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("engineconfig: decoding config: %w", err)
	}
	return cfg, nil
}

// Watcher watches a config file for changes and pushes updated values
// into live SharedReference cells, debouncing rapid successive writes
// the way mantonx-viewra's hot-reload manager debounces filesystem
// events before reloading a plugin.
type Watcher struct {
	log           logger.Logger
	v             *viper.Viper
	path          string
	debounceDelay time.Duration

	watcher *fsnotify.Watcher
	timer   *time.Timer

	bufferTarget *cancellation.SharedReference[time.Duration]
	cmcdEnabled  *cancellation.SharedReference[bool]

	done chan struct{}
}

// NewWatcher constructs a Watcher bound to the config file at path,
// pushing reloaded buffer-ahead and CMCD-enabled values into the given
// SharedReferences.
func NewWatcher(log logger.Logger, v *viper.Viper, path string, bufferTarget *cancellation.SharedReference[time.Duration], cmcdEnabled *cancellation.SharedReference[bool]) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("engineconfig: creating file watcher: %w", err)
	}
	return &Watcher{
		log:           log.With("engineconfig"),
		v:             v,
		path:          path,
		debounceDelay: 500 * time.Millisecond,
		watcher:       fw,
		bufferTarget:  bufferTarget,
		cmcdEnabled:   cmcdEnabled,
		done:          make(chan struct{}),
	}, nil
}

// Start begins watching the config file and runs the event loop in a
// goroutine until Stop is called.
func (w *Watcher) Start() error {
	if w.path == "" {
		return nil
	}
	if err := w.watcher.Add(w.path); err != nil {
		return fmt.Errorf("engineconfig: watching %s: %w", w.path, err)
	}
	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnf("config watch error: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.v, w.path)
	if err != nil {
		w.log.Warnf("config reload failed: %v", err)
		return
	}
	if w.bufferTarget != nil {
		w.bufferTarget.SetIfChanged(cfg.Buffer.WantedBufferAhead, func(a, b time.Duration) bool { return a == b })
	}
	if w.cmcdEnabled != nil {
		w.cmcdEnabled.SetIfChanged(cfg.CMCD.Enabled, func(a, b bool) bool { return a == b })
	}
	w.log.Infof("config reloaded from %s", w.path)
}

// Stop releases the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.watcher.Close()
}
