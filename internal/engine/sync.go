package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/leapstack-labs/tenantrt/internal/source"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// SyncReport summarises a SyncDir.
type SyncReport struct {
	Files    int
	Compiled []*core.CompilationResult
}

// Failed returns the compile results that did not succeed.
func (r *SyncReport) Failed() []*core.CompilationResult {
	var out []*core.CompilationResult
	for _, res := range r.Compiled {
		if !res.Success {
			out = append(out, res)
		}
	}
	return out
}

// SyncDir saves every source file below dir into the tenant and compiles the
// units whose source changed. Units without a file are left alone.
func (e *Engine) SyncDir(ctx context.Context, t core.Tenant, dir string) (*SyncReport, error) {
	files, err := source.NewLoader(dir).Load()
	if err != nil {
		return nil, err
	}

	report := &SyncReport{Files: len(files)}
	for _, f := range files {
		unit, err := e.SaveUnit(ctx, t, f.Unit.QualifiedName(), f.Unit.Source)
		if err != nil {
			return report, fmt.Errorf("failed to save %s: %w", f.Path, err)
		}
		if unit.State == core.CompileStateCompiled {
			continue
		}
		res, err := e.compiler.Compile(ctx, t, unit)
		if err != nil {
			return report, err
		}
		report.Compiled = append(report.Compiled, res)
	}
	return report, nil
}

// watchDebounce is how long Watch waits for a burst of file events to settle.
const watchDebounce = 100 * time.Millisecond

// Watch syncs dir into the tenant once, then again after every change to a
// source file, until ctx is done. onSync receives the outcome of each sync.
func (e *Engine) Watch(ctx context.Context, t core.Tenant, dir string, onSync func(*SyncReport, error)) error {
	if onSync == nil {
		onSync = func(*SyncReport, error) {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watchDirRecursive(watcher, dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var mu sync.Mutex
	resync := func() {
		mu.Lock()
		defer mu.Unlock()
		report, err := e.SyncDir(ctx, t, dir)
		if err != nil {
			e.logger.Error("sync failed", "tenant", t.Name(), "dir", dir, "error", err)
		}
		onSync(report, err)
	}
	resync()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					_ = watchDirRecursive(watcher, event.Name)
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != source.Ext {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			e.logger.Debug("source changed", "file", event.Name)
			debounceTimer = time.AfterFunc(watchDebounce, resync)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Error("watcher error", "error", err)
		}
	}
}

// watchDirRecursive adds a directory and all subdirectories to the watcher.
func watchDirRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
