package gallery

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/richinsley/comfyforge/client"
	"github.com/richinsley/comfyforge/store"
)

// ViewFunc downloads an output file from the backend.
type ViewFunc func(ctx context.Context, output client.DataOutput) ([]byte, error)

// Opener reads artifacts from outputDir when it is set, otherwise through
// view. Either may be empty; with neither, opening fails.
func Opener(outputDir string, view ViewFunc) OpenFunc {
	return func(ctx context.Context, a *store.Artifact) (io.ReadCloser, error) {
		if outputDir != "" {
			return os.Open(filepath.Join(outputDir, filepath.FromSlash(a.Location())))
		}
		if view == nil {
			return nil, os.ErrNotExist
		}
		data, err := view(ctx, client.DataOutput{Filename: a.Filename, Subfolder: a.Subfolder, Type: "output"})
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}
