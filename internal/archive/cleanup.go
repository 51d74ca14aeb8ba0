package archive

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry tracks staged payloads that are still alive so they can be deleted
// on shutdown even when the transfer that owns them never finishes.
type Registry struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{paths: make(map[string]struct{})}
}

func (r *Registry) Track(path string) {
	r.mu.Lock()
	r.paths[path] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) Untrack(path string) {
	r.mu.Lock()
	delete(r.paths, path)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

// RemoveAll deletes every tracked payload and returns how many were removed.
func (r *Registry) RemoveAll(logger *logrus.Entry) int {
	r.mu.Lock()
	paths := make([]string, 0, len(r.paths))
	for p := range r.paths {
		paths = append(paths, p)
	}
	r.paths = make(map[string]struct{})
	r.mu.Unlock()

	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if logger != nil {
				logger.Warnf("remove staged payload %s: %v", p, err)
			}
			continue
		}
		removed++
	}
	return removed
}

// SweepOrphans removes payloads older than retention from dir. Payloads left
// behind by a process that was killed outright are reclaimed here on the next start.
func SweepOrphans(dir string, retention time.Duration, logger *logrus.Entry) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+PayloadSuffix))
	if err != nil {
		if logger != nil {
			logger.Warnf("payload sweep: %v", err)
		}
		return 0, err
	}

	cutoff := time.Now().Add(-retention)
	cleaned := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(f); err != nil {
			if logger != nil {
				logger.Warnf("remove orphaned payload %s: %v", f, err)
			}
			continue
		}
		cleaned++
	}

	if cleaned > 0 && logger != nil {
		logger.Infof("cleaned up %d orphaned payloads", cleaned)
	}
	return cleaned, nil
}
