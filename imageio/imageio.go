// Package imageio decodes texture files into tightly packed RGBA8 pixels.
package imageio

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Image holds RGBA8 pixel data with no row padding.
type Image struct {
	Pixels []byte
	Width  int
	Height int
}

// Normalize expands interleaved pixel data with 1 to 4 channels into RGBA8.
//
//	1 channel:  replicate into R, G and B; alpha is 255
//	2 channels: copy into R and G; B and alpha are 255
//	3 channels: copy R, G and B; alpha is 255
//	4 channels: copy as is
func Normalize(src []byte, width, height, channels int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Newf("imageio: invalid image dims %dx%d", width, height)
	}
	if channels < 1 || channels > 4 {
		return nil, errors.Newf("imageio: unsupported channel count %d", channels)
	}

	pixelCount := width * height
	if len(src) != pixelCount*channels {
		return nil, errors.Newf("imageio: expected %d bytes for %dx%dx%d image; got %d", pixelCount*channels, width, height, channels, len(src))
	}

	if channels == 4 {
		return append([]byte(nil), src...), nil
	}

	dst := make([]byte, pixelCount*4)
	for i := 0; i < pixelCount; i++ {
		in := src[i*channels : (i+1)*channels]
		out := dst[i*4 : i*4+4]

		switch channels {
		case 1:
			out[0], out[1], out[2], out[3] = in[0], in[0], in[0], 255
		case 2:
			out[0], out[1], out[2], out[3] = in[0], in[1], 255, 255
		case 3:
			out[0], out[1], out[2], out[3] = in[0], in[1], in[2], 255
		}
	}

	return dst, nil
}

// FromImage converts any decoded image into RGBA8. Alpha is not
// premultiplied.
func FromImage(img image.Image) (*Image, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	switch src := img.(type) {
	case *image.Gray:
		pixels, err := Normalize(packRows(src.Pix, src.Stride, w, h, 1), w, h, 1)
		if err != nil {
			return nil, err
		}
		return &Image{Pixels: pixels, Width: w, Height: h}, nil
	case *image.NRGBA:
		return &Image{Pixels: packRows(src.Pix, src.Stride, w, h, 4), Width: w, Height: h}, nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	return &Image{Pixels: dst.Pix, Width: w, Height: h}, nil
}

func packRows(pix []byte, stride, w, h, channels int) []byte {
	rowLen := w * channels
	if stride == rowLen && len(pix) == rowLen*h {
		return append([]byte(nil), pix...)
	}

	out := make([]byte, 0, rowLen*h)
	for y := 0; y < h; y++ {
		out = append(out, pix[y*stride:y*stride+rowLen]...)
	}
	return out
}

// Decode reads a png, jpeg, gif, bmp, tiff or webp image.
func Decode(r io.Reader) (*Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "imageio: decode")
	}

	out, err := FromImage(img)
	if err != nil {
		return nil, errors.Wrapf(err, "imageio: convert %s image", format)
	}
	return out, nil
}

// DecodeFile decodes the image stored at path.
func DecodeFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "imageio: open %q", path)
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "imageio: %q", path)
	}
	return img, nil
}

// Checkerboard generates a size x size black and white checkerboard made of
// cell x cell squares.
func Checkerboard(size, cell int) *Image {
	if cell < 1 {
		cell = 1
	}

	pixels := make([]byte, size*size*4)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			var v byte
			if (x/cell+y/cell)%2 == 0 {
				v = 0xff
			}
			i := (y*size + x) * 4
			pixels[i], pixels[i+1], pixels[i+2], pixels[i+3] = v, v, v, 0xff
		}
	}

	return &Image{Pixels: pixels, Width: size, Height: size}
}
