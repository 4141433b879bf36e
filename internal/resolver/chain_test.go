package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/marcus-qen/devicelab/internal/labmodel"
)

type fakeFetcher struct {
	calls   int
	content string
	err     error
}

func (f *fakeFetcher) Fetch(ctx context.Context, source labmodel.ResolveSource, destDir string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	path := filepath.Join(destDir, "payload")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(f.content), 0o644); err != nil {
		return nil, err
	}
	return []string{path}, nil
}

func TestChainResolvesLocalFileDirectly(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "artifact.txt")
	if err := os.WriteFile(file, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	chain := NewChain(nil, NewLocalNode(nil))
	result, err := chain.Resolve(context.Background(), labmodel.ResolveSource{Tag: "t", OriginalPath: file})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(result.LocalPaths) != 1 || result.LocalPaths[0] != file {
		t.Fatalf("LocalPaths = %v, want [%s]", result.LocalPaths, file)
	}
}

func TestChainFallsThroughToCacheThenRemote(t *testing.T) {
	cacheDir := t.TempDir()
	fetcher := &fakeFetcher{content: "remote-bytes"}
	chain := NewChain(nil,
		NewLocalNode(nil),
		NewCacheNode(cacheDir, nil),
		NewATSFileServerNode(fetcher, cacheDir, nil),
	)

	source := labmodel.ResolveSource{Tag: "app", OriginalPath: "gs://bucket/app.apk"}
	result, err := chain.Resolve(context.Background(), source)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(result.LocalPaths) != 1 {
		t.Fatalf("expected one resolved path, got %v", result.LocalPaths)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected the fetcher to run once, got %d", fetcher.calls)
	}

	// Second resolution of the same source should hit the cache node
	// instead of calling the fetcher again.
	if _, err := chain.Resolve(context.Background(), source); err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected the cache node to short-circuit the second resolution, fetcher called %d times", fetcher.calls)
	}
}

func TestChainReturnsErrUnresolvedWhenNoNodeClaims(t *testing.T) {
	chain := NewChain(nil, NewLocalNode(nil))
	_, err := chain.Resolve(context.Background(), labmodel.ResolveSource{Tag: "t", OriginalPath: "/definitely/not/here"})
	if err == nil {
		t.Fatal("expected ErrUnresolved")
	}
}

func TestChainPropagatesFetcherError(t *testing.T) {
	cacheDir := t.TempDir()
	fetcher := &fakeFetcher{err: os.ErrPermission}
	chain := NewChain(nil, NewGCSNode(fetcher, cacheDir, nil))

	_, err := chain.Resolve(context.Background(), labmodel.ResolveSource{Tag: "t", OriginalPath: "gs://x"})
	if err == nil {
		t.Fatal("expected the fetcher's error to propagate")
	}
}
