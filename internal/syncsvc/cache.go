package syncsvc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultCacheRetention is how many sync result summaries are kept.
const DefaultCacheRetention = 10

// resultCache writes sync result summaries to the platform cache directory
// with a rolling retention of the N most recent files.
type resultCache struct {
	dir       string
	retention int
	logger    *zap.Logger
}

func newResultCache(dir string, retention int, logger *zap.Logger) (*resultCache, error) {
	if retention <= 0 {
		retention = DefaultCacheRetention
	}
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("syncsvc: resolving cache dir: %w", err)
		}
		dir = filepath.Join(base, "roboedge")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("syncsvc: creating cache dir: %w", err)
	}
	return &resultCache{dir: dir, retention: retention, logger: logger.Named("synccache")}, nil
}

// write stores one summary and prunes files beyond the retention count.
func (c *resultCache) write(edgeID string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("syncsvc: encoding sync result: %w", err)
	}

	name := fmt.Sprintf("sync_result_%s_%s.json", edgeID, time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("syncsvc: writing sync result: %w", err)
	}

	c.prune()
	return nil
}

// prune removes the oldest sync result files beyond the retention count.
func (c *resultCache) prune() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.logger.Warn("reading cache dir for prune failed", zap.Error(err))
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "sync_result_") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= c.retention {
		return
	}

	// The timestamp suffix sorts lexicographically, oldest first.
	sort.Strings(names)
	for _, name := range names[:len(names)-c.retention] {
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
			c.logger.Warn("pruning cache file failed", zap.String("file", name), zap.Error(err))
		}
	}
}
