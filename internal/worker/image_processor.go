package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"path"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/PaulBabatuyi/FileFlow/internal/domain/asset"
	"github.com/PaulBabatuyi/FileFlow/internal/storage"
)

// ErrUndecodable means the stored object is not a usable image. Retrying will not help.
var ErrUndecodable = errors.New("image: cannot decode")

var thumbnailSizes = []struct {
	name  string
	width int
}{
	{"small", 150},
	{"medium", 400},
	{"large", 800},
}

type ImageResult struct {
	Width      int
	Height     int
	Thumbnails asset.Thumbnails
}

type ImageProcessor struct {
	objects storage.ObjectStore
	bucket  string // thumbnail bucket, empty means next to the original
}

func NewImageProcessor(objects storage.ObjectStore, thumbnailBucket string) *ImageProcessor {
	return &ImageProcessor{objects: objects, bucket: thumbnailBucket}
}

func (ip *ImageProcessor) ProcessImage(ctx context.Context, bucket, key, contentType string) (ImageResult, error) {
	rc, err := ip.objects.Get(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return ImageResult{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		return ImageResult{}, fmt.Errorf("open file: %w", err)
	}
	defer rc.Close()

	body, err := validateContentType(rc, contentType)
	if err != nil {
		return ImageResult{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	img, err := imaging.Decode(body, imaging.AutoOrientation(true))
	if err != nil {
		return ImageResult{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	bounds := img.Bounds()
	res := ImageResult{Width: bounds.Dx(), Height: bounds.Dy()}
	if res.Width == 0 || res.Height == 0 {
		return ImageResult{}, fmt.Errorf("%w: empty image", ErrUndecodable)
	}

	target := ip.bucket
	if target == "" {
		target = bucket
	}
	keys := make([]string, len(thumbnailSizes))
	for i, size := range thumbnailSizes {
		keys[i], err = ip.saveThumbnail(ctx, target, key, img, size.width, size.name)
		if err != nil {
			return ImageResult{}, err
		}
	}
	res.Thumbnails = asset.Thumbnails{Small: keys[0], Medium: keys[1], Large: keys[2]}
	return res, nil
}

func (ip *ImageProcessor) saveThumbnail(ctx context.Context, bucket, key string, img image.Image, maxWidth int, size string) (string, error) {
	bounds := img.Bounds()
	origWidth := bounds.Max.X - bounds.Min.X
	origHeight := bounds.Max.Y - bounds.Min.Y

	if origWidth < maxWidth {
		maxWidth = origWidth
	}
	newHeight := (origHeight * maxWidth) / origWidth
	if newHeight < 1 {
		newHeight = 1
	}

	thumb := imaging.Resize(img, maxWidth, newHeight, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode %s thumbnail: %w", size, err)
	}

	thumbKey := fmt.Sprintf("%s-thumb-%s.jpg", strings.TrimSuffix(key, path.Ext(key)), size)
	if _, err := ip.objects.Put(ctx, bucket, thumbKey, "image/jpeg", &buf, int64(buf.Len())); err != nil {
		return "", fmt.Errorf("save %s thumbnail: %w", size, err)
	}
	return thumbKey, nil
}
