package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/marcus-qen/devicelab/internal/labmodel"
	"go.uber.org/zap"
)

// CachePath returns the deterministic on-disk path a cached resolution for
// source would live at under cacheDir: every ResolveSource with equal
// fields maps to the same path, since cache keys are ResolveSource
// equality per §4.K.
func CachePath(cacheDir string, source labmodel.ResolveSource) string {
	h := sha256.Sum256([]byte(source.Tag + "\x00" + source.OriginalPath))
	return filepath.Join(cacheDir, source.Tag+"-"+hex.EncodeToString(h[:])[:16])
}

// CacheNode resolves a source if a prior resolution already populated its
// CachePath. It never populates the cache itself; remote nodes
// (ATSFileServerNode, GCSNode) write through to the same cacheDir on a
// successful fetch, so a later job's lookup of the same ResolveSource hits
// here instead of refetching.
type CacheNode struct {
	cacheDir string
	logger   *zap.Logger
}

// NewCacheNode returns a CacheNode reading from cacheDir.
func NewCacheNode(cacheDir string, logger *zap.Logger) *CacheNode {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheNode{cacheDir: cacheDir, logger: logger.Named("resolver.cache")}
}

func (n *CacheNode) Name() string { return "cache" }

func (n *CacheNode) Resolve(_ context.Context, source labmodel.ResolveSource) (labmodel.ResolveResult, bool, error) {
	path := CachePath(n.cacheDir, source)
	if _, err := os.Stat(path); err != nil {
		return labmodel.ResolveResult{}, false, nil
	}
	n.logger.Debug("resolved from cache", zap.String("path", path))
	return labmodel.ResolveResult{LocalPaths: []string{path}}, true, nil
}
