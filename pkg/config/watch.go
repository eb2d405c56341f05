package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// WatchOptions configures Watch.
type WatchOptions struct {
	// Match selects the files whose changes count. Nil matches everything.
	Match func(path string) bool

	// Debounce delays OnChange until no event arrived for this long.
	Debounce time.Duration

	// OnChange runs after matching files changed. Calls never overlap.
	OnChange func()

	// OnError receives watcher errors. Nil drops them.
	OnError func(error)
}

// Watch watches paths until ctx ends. Directories are watched recursively.
// Files are watched through their directory so that editors that replace
// the file on save keep triggering events.
func Watch(ctx context.Context, paths []string, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Match == nil {
		opts.Match = func(string) bool { return true }
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	files := make(map[string]bool)
	var dirs []string
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err == nil {
			var info os.FileInfo
			info, err = os.Stat(abs)
			if err == nil && info.IsDir() {
				dirs = append(dirs, abs)
				err = filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
					if err != nil {
						return err
					}
					if d.IsDir() {
						return watcher.Add(p)
					}
					return nil
				})
			} else if err == nil {
				files[abs] = true
				err = watcher.Add(filepath.Dir(abs))
			}
		}
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	relevant := func(name string) bool {
		abs, err := filepath.Abs(name)
		if err != nil {
			return false
		}
		if files[abs] {
			return opts.Match(abs)
		}
		for _, dir := range dirs {
			if strings.HasPrefix(abs, dir+string(filepath.Separator)) {
				return opts.Match(abs)
			}
		}
		return false
	}

	go func() {
		defer watcher.Close()

		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		fire := func() {
			mu.Lock()
			defer mu.Unlock()
			if ctx.Err() == nil {
				opts.OnChange()
			}
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 || !relevant(event.Name) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(opts.Debounce, fire)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if opts.OnError != nil {
					opts.OnError(err)
				}
			}
		}
	}()
	return nil
}
