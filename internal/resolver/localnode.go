package resolver

import (
	"context"
	"os"
	"path/filepath"

	"github.com/marcus-qen/devicelab/internal/labmodel"
	"go.uber.org/zap"
)

// LocalNode resolves a ResolveSource whose OriginalPath already exists on
// the local filesystem (e.g. a path the client uploaded directly to the
// lab host). Grounded on probe/fileops.resolvePath's
// absolute-then-clean-then-symlink-eval canonicalization, without that
// package's allow/block policy (the resolver chain's own nodes are the
// access-control boundary here: a path this node can't see, it simply
// doesn't claim).
type LocalNode struct {
	logger *zap.Logger
}

// NewLocalNode returns a LocalNode.
func NewLocalNode(logger *zap.Logger) *LocalNode {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalNode{logger: logger.Named("resolver.local")}
}

func (n *LocalNode) Name() string { return "local" }

// Resolve claims source if OriginalPath canonicalizes to an existing,
// non-directory file.
func (n *LocalNode) Resolve(_ context.Context, source labmodel.ResolveSource) (labmodel.ResolveResult, bool, error) {
	abs, err := filepath.Abs(source.OriginalPath)
	if err != nil {
		return labmodel.ResolveResult{}, false, nil
	}
	abs = filepath.Clean(abs)

	info, err := os.Lstat(abs)
	if err != nil {
		return labmodel.ResolveResult{}, false, nil
	}
	if info.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return labmodel.ResolveResult{}, false, nil
		}
		abs = filepath.Clean(resolved)
		info, err = os.Lstat(abs)
		if err != nil {
			return labmodel.ResolveResult{}, false, nil
		}
	}
	if info.IsDir() {
		return labmodel.ResolveResult{}, false, nil
	}

	n.logger.Debug("resolved locally", zap.String("path", abs))
	return labmodel.ResolveResult{LocalPaths: []string{abs}}, true, nil
}
