package resolver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// hardlinkSuffixes names the archive/package file extensions §6 places into
// the run-file directory by hardlink rather than copy.
var hardlinkSuffixes = map[string]bool{
	"apk": true, "gz": true, "img": true, "jar": true,
	"par": true, "tar": true, "zip": true,
}

// ErrEscapesRoot is returned when a candidate path's canonical form would
// fall outside its expected root (§6 "cross-root validation").
var ErrEscapesRoot = errors.New("resolver: path escapes destination root")

// validateWithinRoot rejects a candidate path whose canonical form escapes
// root, the same prefix-containment check as probe/fileops's pathIsWithin,
// applied here to run-directory placement instead of agent file reads.
func validateWithinRoot(root, candidate string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	absRoot = filepath.Clean(absRoot)

	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return err
	}
	absCandidate = filepath.Clean(absCandidate)

	rel, err := filepath.Rel(absRoot, absCandidate)
	if err != nil {
		return err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s not within %s", ErrEscapesRoot, candidate, root)
	}
	return nil
}

// PlaceInRunDir places the already-resolved local file src into runDir
// keyed by tag: hardlinked when its suffix is in the archive set named in
// §6, copied otherwise. tag may itself carry subdirectory components (a
// test's tag often encodes a relative path); the destination is always
// validated to stay within runDir before any filesystem operation runs.
func PlaceInRunDir(runDir, tag, src string) (string, error) {
	dst := filepath.Join(runDir, tag)
	if err := validateWithinRoot(runDir, dst); err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(src), "."))
	if hardlinkSuffixes[ext] {
		if err := os.Link(src, dst); err != nil {
			if errors.Is(err, os.ErrExist) {
				return dst, nil
			}
			// Cross-filesystem hardlinks fail with EXDEV; fall back to a
			// copy rather than failing the whole placement.
			if copyErr := copyFile(src, dst); copyErr != nil {
				return "", fmt.Errorf("hardlink %s: %w (copy fallback also failed: %v)", dst, err, copyErr)
			}
			return dst, nil
		}
		return dst, nil
	}

	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}
