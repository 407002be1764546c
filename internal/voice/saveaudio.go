package voice

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/deal-signal-lab/internal/logging"
)

// JobDirPrefix names the per-job temporary directories created for
// uploads.
const JobDirPrefix = "audioproc_"

// SweepJobDirs removes job directories under dir older than retention and
// returns how many were removed. Directories without the job prefix are
// left alone.
func SweepJobDirs(dir string, retention time.Duration, now time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Debugw("voice: cleanup readDir failed", "dir", dir, "err", err)
		return 0
	}
	cutoff := now.Add(-retention)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), JobDirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			logging.Warnw("voice: failed to remove stale job dir", "path", path, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logging.Infow("voice: removed stale job dirs", "dir", dir, "count", removed)
	}
	return removed
}

// StartJobDirCleaner periodically sweeps dir for job directories a crashed
// or timed out worker left behind. Caller must call wg.Add(1) first; the
// goroutine calls wg.Done() on exit.
func StartJobDirCleaner(ctx context.Context, wg *sync.WaitGroup, dir string, retention, interval time.Duration) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				SweepJobDirs(dir, retention, now)
			}
		}
	}()
}
