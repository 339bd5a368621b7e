package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"
)

const defaultSettle = 250 * time.Millisecond

// SourceWatcher signals when the test package changes on disk. Bursts of
// filesystem events within the settle window collapse into one signal.
type SourceWatcher struct {
	log    log.Logger
	path   string
	dir    string
	file   string
	settle time.Duration

	watcher *fsnotify.Watcher
	changes chan struct{}

	stopOnce sync.Once
	done     chan struct{}
}

// NewSourceWatcher watches path. When path is a file its parent directory is
// watched, so replacing the file by rename is seen as well.
func NewSourceWatcher(logger log.Logger, path string) (*SourceWatcher, error) {
	if logger == nil {
		logger = log.New()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", abs, err)
	}
	dir, file := abs, ""
	if !info.IsDir() {
		dir, file = filepath.Split(abs)
		dir = filepath.Clean(dir)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &SourceWatcher{
		log:     logger,
		path:    abs,
		dir:     dir,
		file:    file,
		settle:  defaultSettle,
		watcher: w,
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Changes receives one value per settled burst of changes. Signals not yet
// consumed are coalesced.
func (s *SourceWatcher) Changes() <-chan struct{} {
	return s.changes
}

// Start watches in the background until ctx is done or Close is called.
func (s *SourceWatcher) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *SourceWatcher) relevant(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return false
	}
	if s.file == "" {
		return true
	}
	return filepath.Base(ev.Name) == s.file
}

func (s *SourceWatcher) loop(ctx context.Context) {
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !s.relevant(ev) {
				continue
			}
			s.log.Debug("Test package changed", "path", ev.Name, "op", ev.Op.String())
			settle = time.After(s.settle)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("File watcher error", "path", s.path, "err", err)
		case <-settle:
			settle = nil
			s.log.Info("Test package changed, scheduling a new run", "path", s.path)
			select {
			case s.changes <- struct{}{}:
			default:
			}
		}
	}
}

func (s *SourceWatcher) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
	})
	return err
}
