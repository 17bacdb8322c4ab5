package training

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/okian/formlab/internal/domain/types"
)

// VideoExtensions lists the accepted video file suffixes (lower case).
var VideoExtensions = []string{".mp4", ".avi", ".mov", ".mkv"}

// Source enumerates labelled training videos.
type Source interface {
	Samples(ctx context.Context) (map[types.Label][]string, error)
}

// DirectorySource reads <root>/<label>/ for every label. A folder named
// <label>_input_movid is accepted when <label>/ is absent.
type DirectorySource struct {
	Root string
}

// NewDirectorySource returns a Source over root.
func NewDirectorySource(root string) *DirectorySource {
	return &DirectorySource{Root: root}
}

// Samples lists video paths per label, sorted for reproducible splits.
func (d *DirectorySource) Samples(ctx context.Context) (map[types.Label][]string, error) {
	out := make(map[types.Label][]string, types.NumLabels)
	found := false
	for _, l := range types.Labels() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir, ok := d.classDir(l)
		if !ok {
			out[l] = nil
			continue
		}
		found = true
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}
		var paths []string
		for _, e := range entries {
			if e.IsDir() || !IsVideo(e.Name()) {
				continue
			}
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
		sort.Strings(paths)
		out[l] = paths
	}
	if !found {
		return nil, fmt.Errorf("%w: %s has no good/normal/bad folders", ErrNoSource, d.Root)
	}
	return out, nil
}

func (d *DirectorySource) classDir(l types.Label) (string, bool) {
	for _, name := range []string{l.String(), l.String() + "_input_movid"} {
		dir := filepath.Join(d.Root, name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, true
		}
	}
	return "", false
}

// IsVideo reports whether name has an accepted video extension.
func IsVideo(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, v := range VideoExtensions {
		if ext == v {
			return true
		}
	}
	return false
}
