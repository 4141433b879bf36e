package resolver

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/marcus-qen/devicelab/internal/labmodel"
	"go.uber.org/zap"
)

// Fetcher performs the actual remote transfer for one ResolveSource,
// writing its content to destDir and returning the local paths it wrote.
// Credential acquisition, wire protocol, and the cloud SDK itself are out
// of scope per spec §1 Non-goals ("external collaborators, interfaces
// only"); ATSFileServerNode and GCSNode below are real chain-of-
// responsibility nodes wrapping whatever concrete Fetcher a deployment
// wires in.
type Fetcher interface {
	Fetch(ctx context.Context, source labmodel.ResolveSource, destDir string) ([]string, error)
}

// remoteNode is the shared shape of ATSFileServerNode/GCSNode: delegate the
// transfer to a Fetcher, then write through to cacheDir so the next job
// resolving the same source hits CacheNode instead.
type remoteNode struct {
	name     string
	fetcher  Fetcher
	cacheDir string
	logger   *zap.Logger
}

func (n *remoteNode) Name() string { return n.name }

func (n *remoteNode) Resolve(ctx context.Context, source labmodel.ResolveSource) (labmodel.ResolveResult, bool, error) {
	if n.fetcher == nil {
		return labmodel.ResolveResult{}, false, nil
	}

	destDir := CachePath(n.cacheDir, source)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return labmodel.ResolveResult{}, false, err
	}

	paths, err := n.fetcher.Fetch(ctx, source, destDir)
	if err != nil {
		return labmodel.ResolveResult{}, false, err
	}
	if len(paths) == 0 {
		return labmodel.ResolveResult{}, false, nil
	}

	n.logger.Debug("resolved remotely", zap.String("node", n.name), zap.Int("files", len(paths)))
	return labmodel.ResolveResult{LocalPaths: paths}, true, nil
}

// NewATSFileServerNode returns a chain node delegating to an ATS
// (Android Test Station style) file server fetcher.
func NewATSFileServerNode(fetcher Fetcher, cacheDir string, logger *zap.Logger) Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &remoteNode{name: "ats-file-server", fetcher: fetcher, cacheDir: cacheDir, logger: logger.Named("resolver.ats")}
}

// NewGCSNode returns a chain node delegating to a GCS object fetcher.
func NewGCSNode(fetcher Fetcher, cacheDir string, logger *zap.Logger) Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &remoteNode{name: "gcs", fetcher: fetcher, cacheDir: cacheDir, logger: logger.Named("resolver.gcs")}
}

// copyFile copies src to dst; PlaceInRunDir uses it to place run files.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
