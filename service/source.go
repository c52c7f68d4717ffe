package service

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

type SourceKind int

const (
	KindStream SourceKind = iota + 1
	KindPath
	KindDecoded
)

func (k SourceKind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindPath:
		return "path"
	case KindDecoded:
		return "decoded image"
	default:
		return "unknown source"
	}
}

// Source is an image to classify: a stream, a file path or an already
// decoded image. Build one with FromStream, FromPath or FromImage.
type Source struct {
	kind   SourceKind
	stream io.ReadSeeker
	path   string
	img    image.Image
}

func FromStream(r io.ReadSeeker) Source { return Source{kind: KindStream, stream: r} }

func FromPath(path string) Source { return Source{kind: KindPath, path: path} }

func FromImage(img image.Image) Source { return Source{kind: KindDecoded, img: img} }

func (s Source) Kind() SourceKind { return s.kind }

func (s Source) normalize() (image.Image, error) {
	var (
		img image.Image
		err error
	)
	switch s.kind {
	case KindStream:
		img, err = decodeStream(s.stream)
	case KindPath:
		img, err = decodePath(s.path)
	case KindDecoded:
		if s.img == nil {
			err = errors.New("nil image")
		}
		// pre-decoded input is trusted as is
		img = s.img
	default:
		err = errors.New("empty image source")
	}
	if err == nil && img.Bounds().Empty() {
		err = fmt.Errorf("empty image (%dx%d)", img.Bounds().Dx(), img.Bounds().Dy())
	}
	if err != nil {
		return nil, &ImageDecodeError{Kind: s.kind, Err: err}
	}
	return img, nil
}

func decodeStream(r io.ReadSeeker) (image.Image, error) {
	if r == nil {
		return nil, errors.New("nil stream")
	}
	// callers may have read part of the stream already
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	return toRGB(img), nil
}

func decodePath(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return toRGB(img), nil
}

// toRGB returns img unchanged when it is already opaque 8-bit RGB, otherwise
// an NRGBA copy with the alpha channel dropped (set to opaque) and palette
// or gray values expanded to three channels.
func toRGB(img image.Image) image.Image {
	if isRGB(img) {
		return img
	}
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

func isRGB(img image.Image) bool {
	switch m := img.(type) {
	case *image.YCbCr:
		return true
	case *image.NRGBA:
		return m.Opaque()
	case *image.RGBA:
		return m.Opaque()
	default:
		return false
	}
}
