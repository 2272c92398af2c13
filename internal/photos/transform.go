package photos

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxWidth    = 800
	DefaultJPEGQuality = 80
	jpegMIME           = "image/jpeg"
)

// NewJPEGTransform downsizes images wider than maxWidth and re-encodes them as JPEG.
func NewJPEGTransform(maxWidth int, quality int) Transform {
	return TransformFunc(func(input Image) (Image, error) {
		decoded, _, err := image.Decode(bytes.NewReader(input.Data))
		if err != nil {
			return Image{}, fmt.Errorf("decode: %w", err)
		}
		bounds := decoded.Bounds()
		target := decoded
		if maxWidth > 0 && bounds.Dx() > maxWidth {
			height := bounds.Dy() * maxWidth / bounds.Dx()
			if height < 1 {
				height = 1
			}
			resized := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
			draw.CatmullRom.Scale(resized, resized.Bounds(), decoded, bounds, draw.Over, nil)
			target = resized
		}
		var buffer bytes.Buffer
		if err := jpeg.Encode(&buffer, target, &jpeg.Options{Quality: quality}); err != nil {
			return Image{}, fmt.Errorf("encode: %w", err)
		}
		return Image{Data: buffer.Bytes(), MIMEType: jpegMIME}, nil
	})
}
