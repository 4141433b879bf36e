// Package resolver implements the File Resolver Chain (§4.K) — a
// chain-of-responsibility over ResolveSource -> ResolveResult with local,
// cache, ats-file-server, and gcs nodes — plus run-file placement named in
// §6 (hardlink-by-suffix with cross-root validation). Tmp/gen directory
// cleanup is not done here; internal/jobtest removes those directories.
package resolver

import (
	"context"
	"fmt"

	"github.com/marcus-qen/devicelab/internal/labmodel"
	"go.uber.org/zap"
)

// Node either resolves source itself (handled=true) or delegates to the
// next node in the chain (handled=false, err=nil).
type Node interface {
	Resolve(ctx context.Context, source labmodel.ResolveSource) (result labmodel.ResolveResult, handled bool, err error)
	Name() string
}

// Chain runs an ordered sequence of Nodes, returning the first one's
// result that claims to have handled the source. §4.F's per-job cache sits
// above the Chain (internal/jobtest.StartResolveJobFiles); the Chain itself
// is stateless and safe to share across jobs.
type Chain struct {
	nodes  []Node
	logger *zap.Logger
}

// NewChain returns a Chain trying nodes in order.
func NewChain(logger *zap.Logger, nodes ...Node) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{nodes: nodes, logger: logger.Named("resolver.chain")}
}

// ErrUnresolved is returned when no node in the chain claims the source.
var ErrUnresolved = fmt.Errorf("resolver: no chain node resolved the source")

// Resolve tries each node in order, returning the first handled result.
func (c *Chain) Resolve(ctx context.Context, source labmodel.ResolveSource) (labmodel.ResolveResult, error) {
	for _, node := range c.nodes {
		result, handled, err := node.Resolve(ctx, source)
		if err != nil {
			return labmodel.ResolveResult{}, fmt.Errorf("resolver: node %s: %w", node.Name(), err)
		}
		if handled {
			c.logger.Debug("resolved",
				zap.String("node", node.Name()), zap.String("tag", source.Tag), zap.String("original_path", source.OriginalPath))
			return result, nil
		}
	}
	return labmodel.ResolveResult{}, ErrUnresolved
}
