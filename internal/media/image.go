package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// ErrUnsupportedImage is returned for uploads that are neither JPEG nor PNG.
var ErrUnsupportedImage = errors.New("unsupported image type: only JPEG and PNG are accepted")

var (
	magicJPEG = []byte{0xFF, 0xD8, 0xFF}
	magicPNG  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
)

// Image describes a sniffed upload.
type Image struct {
	MIME   string
	Ext    string
	Width  int
	Height int
}

// SniffImage identifies JPEG and PNG data by magic bytes.
func SniffImage(data []byte) (Image, error) {
	switch {
	case bytes.HasPrefix(data, magicJPEG):
		return Image{MIME: "image/jpeg", Ext: "jpg"}, nil
	case bytes.HasPrefix(data, magicPNG):
		return Image{MIME: "image/png", Ext: "png"}, nil
	default:
		return Image{}, ErrUnsupportedImage
	}
}

// InspectImage sniffs data and decodes its header to read the dimensions.
func InspectImage(data []byte) (Image, error) {
	img, err := SniffImage(data)
	if err != nil {
		return Image{}, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("decode image header: %w", err)
	}
	img.Width, img.Height = cfg.Width, cfg.Height
	return img, nil
}
