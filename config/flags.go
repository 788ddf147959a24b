package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/recepta-ai/recepta/telemetry"
)

// Flags are the runtime toggles, readable without restart.
type Flags struct {
	// MainPipelineEnabled gates the whole classify/route/plan run. Off drops
	// flushed turns after logging.
	MainPipelineEnabled bool `yaml:"main_pipeline_enabled" json:"main_pipeline_enabled"`
	// TurnGuardOnly runs only the guard checks for each turn; no response is
	// planned. Used to drain traffic during incidents.
	TurnGuardOnly bool `yaml:"turn_guard_only" json:"turn_guard_only"`
	// RedisOutboxCache enables the fast rehydration cache in front of the
	// authoritative outbox.
	RedisOutboxCache bool `yaml:"redis_outbox_cache" json:"redis_outbox_cache"`
}

// DefaultFlags is the supported production configuration.
func DefaultFlags() Flags {
	return Flags{
		MainPipelineEnabled: true,
		TurnGuardOnly:       false,
		RedisOutboxCache:    true,
	}
}

// FlagSet holds the current flags behind an atomic snapshot and reloads them
// when the flag file changes. Readers never block on a reload.
type FlagSet struct {
	path    string
	log     telemetry.Logger
	current atomic.Pointer[Flags]
}

// NewFlagSet loads the flag file (missing file keeps the defaults) and
// returns the set. Call Watch to pick up later edits.
func NewFlagSet(path string, log telemetry.Logger) (*FlagSet, error) {
	fs := &FlagSet{path: path, log: log}
	flags := DefaultFlags()
	fs.current.Store(&flags)
	if path == "" {
		return fs, nil
	}
	if err := fs.reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return fs, nil
}

// Snapshot returns the current flags.
func (fs *FlagSet) Snapshot() Flags { return *fs.current.Load() }

// MainPipelineEnabled implements pipeline.Flags.
func (fs *FlagSet) MainPipelineEnabled() bool { return fs.current.Load().MainPipelineEnabled }

// TurnGuardOnly implements pipeline.Flags.
func (fs *FlagSet) TurnGuardOnly() bool { return fs.current.Load().TurnGuardOnly }

// RedisOutboxCache reports whether the outbox rehydration cache is on.
func (fs *FlagSet) RedisOutboxCache() bool { return fs.current.Load().RedisOutboxCache }

func (fs *FlagSet) reload() error {
	raw, err := os.ReadFile(fs.path)
	if err != nil {
		return err
	}
	flags := DefaultFlags()
	if err := yaml.Unmarshal(raw, &flags); err != nil {
		return fmt.Errorf("parse flags %q: %w", fs.path, err)
	}
	fs.current.Store(&flags)
	return nil
}

// Watch reloads the flag file on filesystem changes until ctx is done. The
// parent directory is watched because editors and config mounts replace the
// file instead of writing in place.
func (fs *FlagSet) Watch(ctx context.Context) error {
	if fs.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("flag watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(fs.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %q: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(fs.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if err := fs.reload(); err != nil {
				fs.log.Warn(ctx, "flag reload failed, keeping previous flags", "path", fs.path, "err", err)
				continue
			}
			flags := fs.Snapshot()
			fs.log.Info(ctx, "flags reloaded",
				"main_pipeline_enabled", flags.MainPipelineEnabled,
				"turn_guard_only", flags.TurnGuardOnly,
				"redis_outbox_cache", flags.RedisOutboxCache,
			)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fs.log.Warn(ctx, "flag watcher error", "err", err)
		}
	}
}
