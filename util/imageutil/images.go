package imageutil

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/webp"

	"github.com/knights-analytics/qwenedit/util/fileutil"
)

// LoadImagesFromPaths decodes png, jpeg and webp files from local or s3:// paths.
func LoadImagesFromPaths(ctx context.Context, paths []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		b, err := fileutil.ReadFileBytes(ctx, path)
		if err != nil {
			return nil, err
		}
		img, _, err := image.Decode(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		images = append(images, img)
	}
	return images, nil
}

// LoadTensor decodes path into an RGB batch of one.
func LoadTensor(ctx context.Context, path string, withAlpha bool) (*Tensor, error) {
	images, err := LoadImagesFromPaths(ctx, []string{path})
	if err != nil {
		return nil, err
	}
	return FromImage(images[0], withAlpha)
}

// WritePNG encodes batch element b of t to path.
func WritePNG(ctx context.Context, t *Tensor, b int, path string) error {
	img, err := ToImage(t, b)
	if err != nil {
		return err
	}
	buf := &bytes.Buffer{}
	if err = png.Encode(buf, img); err != nil {
		return err
	}
	return fileutil.WriteFileBytes(ctx, path, buf.Bytes())
}
