package manual

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reports changes to matching documents in the folder until ctx is
// done. Bursts of events are coalesced: fn receives the sorted set of
// changed paths once no new event arrived for the debounce interval.
func (c *Collector) Watch(ctx context.Context, fn func(paths []string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.cfg.Dir, err)
	}
	c.logger.Info(ctx, "watching manual documents", zap.String("dir", c.cfg.Dir))

	pending := make(map[string]struct{})
	var (
		timer  *time.Timer
		settle <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod || !matches(c.cfg.Patterns, filepath.Base(ev.Name)) {
				continue
			}
			pending[ev.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(c.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.debounce)
			}
			settle = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn(ctx, "manual documents watcher error", zap.Error(err))

		case <-settle:
			settle = nil
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			clear(pending)
			c.logger.Debug(ctx, "manual documents changed", zap.Strings("paths", paths))
			fn(paths)
		}
	}
}
