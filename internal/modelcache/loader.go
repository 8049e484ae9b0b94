package modelcache

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fusionn-autosub/internal/failure"
)

// DirLoader resolves models to directories under Root. With an empty Root the
// model name is handed to the runtime unchanged, which downloads on demand.
type DirLoader struct {
	Root string
}

// Load implements Loader.
func (l DirLoader) Load(ctx context.Context, kind Kind, name string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return Model{}, err
	}
	if name == "" {
		return Model{}, failure.Newf(failure.CodeModelMissing, "resolve model", "no %s model configured", kind)
	}
	if l.Root == "" {
		return Model{Kind: kind, Name: name, Path: name}, nil
	}

	path := filepath.Join(l.Root, string(kind), name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Model{}, failure.Newf(failure.CodeModelMissing, "resolve model", "%s model %q not found in %s", kind, name, l.Root)
		}
		return Model{}, failure.New(failure.CodeUnavailable, "resolve model", err)
	}
	return Model{Kind: kind, Name: name, Path: path}, nil
}
