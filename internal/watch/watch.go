// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package watch calls a function each time a new commit is checked out in a
// local git repository.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.astrophena.name/base/logger"
	"go.astrophena.name/sitedeploy/internal/gitutil"
)

// Delay is how long Run waits after the last change to the repository before
// looking at HEAD. Git touches several files during a single commit or
// checkout, so it's better to wait for it to settle down.
var Delay = 250 * time.Millisecond

var readyHook func() // used in tests, called when Run started watching

// debouncer delays execution of a function until a specified duration has
// passed without any new events.
type debouncer struct {
	d  time.Duration
	mu sync.Mutex
	f  func()
	t  *time.Timer
}

func newDebouncer(d time.Duration, f func()) *debouncer {
	return &debouncer{
		d: d,
		f: f,
	}
}

// Do schedules a function to be executed.
func (d *debouncer) Do() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.t != nil {
		d.t.Stop()
	}

	d.t = time.AfterFunc(d.d, d.f)
}

// Stop cancels the scheduled execution, if any.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.t != nil {
		d.t.Stop()
	}
}

// Run watches the repository containing dir and calls onChange with the new
// commit each time HEAD moves. Calls of onChange never overlap. Errors from
// onChange are logged and don't stop watching. Run returns when ctx is
// canceled.
func Run(ctx context.Context, dir string, onChange func(ctx context.Context, commit string) error) error {
	gitDir, err := gitutil.GitDir(dir)
	if err != nil {
		return err
	}
	last, err := gitutil.Head(dir)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(gitDir); err != nil {
		return err
	}
	if err := watchRecursive(watcher, filepath.Join(gitDir, "refs")); err != nil {
		return err
	}

	var mu sync.Mutex
	check := func() {
		mu.Lock()
		defer mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		commit, err := gitutil.Head(dir)
		if err != nil {
			logger.Error(ctx, "failed to resolve HEAD", slog.Any("err", err))
			return
		}
		if commit == last {
			return
		}
		logger.Info(ctx, "HEAD moved, deploying",
			slog.String("from", shortHash(last)),
			slog.String("to", shortHash(commit)),
		)
		last = commit
		if err := onChange(ctx, commit); err != nil {
			logger.Error(ctx, "deployment failed", slog.String("commit", shortHash(commit)), slog.Any("err", err))
		}
	}
	debouncer := newDebouncer(Delay, check)
	defer debouncer.Stop()

	logger.Info(ctx, "watching for new commits", slog.String("repo", gitDir), slog.String("head", shortHash(last)))
	if readyHook != nil {
		readyHook()
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			rel, err := filepath.Rel(gitDir, event.Name)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			// New directories under refs/ appear when a branch like
			// "feature/foo" is created.
			if event.Op&fsnotify.Create != 0 && strings.HasPrefix(rel, "refs/") && isDir(event.Name) {
				if err := watchRecursive(watcher, event.Name); err != nil {
					logger.Error(ctx, "failed to watch new directory", slog.String("name", event.Name), slog.Any("err", err))
				}
			}
			if !shouldCheck(rel, event.Op) {
				continue
			}
			debouncer.Do()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error(ctx, "watcher error", slog.Any("err", err))
		case <-ctx.Done():
			debouncer.Stop()
			// Wait for a running deployment to finish.
			mu.Lock()
			defer mu.Unlock()
			return nil
		}
	}
}

func watchRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.Add(path)
	})
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// shouldCheck reports whether a change to the file at path, relative to the
// git directory, can move HEAD.
func shouldCheck(path string, op fsnotify.Op) bool {
	// Git writes to a lock file and renames it over the real one, so the
	// lock files themselves are never interesting.
	if strings.HasSuffix(path, ".lock") {
		return false
	}

	base := filepath.Base(path)
	if base == ".DS_Store" || strings.HasSuffix(base, "~") {
		return false
	}

	if path != "HEAD" && path != "packed-refs" && !strings.HasPrefix(path, "refs/") {
		return false
	}

	// Renames are followed by a create of the new name.
	return op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove) != 0
}

func shortHash(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
