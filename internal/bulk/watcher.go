package bulk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultSettle = 300 * time.Millisecond

// Watcher submits every .csv file written into Dir. A file is picked up once
// it has been quiet for Settle; a rewritten file is submitted again.
type Watcher struct {
	Dir         string
	Coordinator Coordinator
	Options     Options
	Settle      time.Duration
	OnReport    func(path string, r Report, err error)
	Logger      *zap.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	seen    map[string]time.Time
}

// Run watches until ctx is cancelled. Files already present are not submitted.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}
	w.mu.Lock()
	w.pending = map[string]time.Time{}
	w.seen = map[string]time.Time{}
	w.mu.Unlock()

	settle := w.Settle
	if settle <= 0 {
		settle = defaultSettle
	}
	ticker := time.NewTicker(settle / 3)
	defer ticker.Stop()
	w.logger().Info("watching for bulk files", zap.String("dir", w.Dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".csv") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending[ev.Name] = time.Now()
			w.mu.Unlock()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger().Warn("watch error", zap.Error(err))
		case now := <-ticker.C:
			for _, path := range w.ready(now, settle) {
				w.process(ctx, path)
			}
		}
	}
}

func (w *Watcher) ready(now time.Time, settle time.Duration) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for path, last := range w.pending {
		if now.Sub(last) >= settle {
			out = append(out, path)
			delete(w.pending, path)
		}
	}
	return out
}

func (w *Watcher) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	w.mu.Lock()
	if mod, ok := w.seen[path]; ok && mod.Equal(info.ModTime()) {
		w.mu.Unlock()
		return
	}
	w.seen[path] = info.ModTime()
	w.mu.Unlock()

	report, err := w.Coordinator.Run(ctx, FileSource(path), w.Options)
	if err != nil {
		w.logger().Warn("bulk file failed", zap.String("path", path), zap.Error(err))
	}
	if w.OnReport != nil {
		w.OnReport(path, report, err)
	}
}

func (w *Watcher) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}
