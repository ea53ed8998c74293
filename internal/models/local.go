package models

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/iter"
	"github.com/spf13/afero"

	"github.com/comigor/lmchat/internal/logger"
)

// Artifact is a model weights file found on local disk.
type Artifact struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Scanner finds .gguf files below a models directory laid out the way
// LM Studio lays it out (<publisher>/<model>/<file>.gguf).
type Scanner struct {
	fs  afero.Fs
	dir string
}

// NewScanner returns a Scanner rooted at dir. A nil fs means the OS filesystem.
func NewScanner(fs afero.Fs, dir string) *Scanner {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Scanner{fs: fs, dir: dir}
}

// List returns every artifact sorted by path. It fails only when the root cannot be read.
func (s *Scanner) List(ctx context.Context) ([]Artifact, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, err
	}

	perEntry := iter.Map(entries, func(e *os.FileInfo) []Artifact {
		if ctx.Err() != nil {
			return nil
		}
		return s.scan(filepath.Join(s.dir, (*e).Name()))
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Artifact, 0)
	for _, found := range perEntry {
		out = append(out, found...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *Scanner) scan(root string) []Artifact {
	var out []Artifact
	err := afero.Walk(s.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			logger.L.Debug("skipping unreadable model path", "path", path, "error", err)
			return nil
		}
		if info.IsDir() || !strings.EqualFold(filepath.Ext(info.Name()), ".gguf") {
			return nil
		}
		out = append(out, Artifact{Name: info.Name(), Path: filepath.Dir(path), Size: info.Size()})
		return nil
	})
	if err != nil {
		logger.L.Warn("model directory walk failed", "root", root, "error", err)
	}
	return out
}
