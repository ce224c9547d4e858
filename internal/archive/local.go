package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/lox/neuralda/internal/field"
)

// Local reads states from a directory tree on disk.
type Local struct {
	root string
	grid field.Grid
}

func NewLocal(root string, g field.Grid) *Local {
	return &Local{root: root, grid: g}
}

func (l *Local) State(ctx context.Context, t time.Time) (*field.Field, error) {
	start := time.Now()
	f, err := l.state(ctx, t)
	observe("local", start, err)
	return f, err
}

func (l *Local) state(ctx context.Context, t time.Time) (*field.Field, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(l.root, filepath.FromSlash(Key(t)))
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return Decode(path, l.grid)
}
