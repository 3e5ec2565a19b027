package imageio

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestNormalize(t *testing.T) {
	type spec struct {
		channels int
		in       []byte
		exp      []byte
	}
	specs := []spec{
		{
			1,
			[]byte{128, 128, 128, 128},
			[]byte{
				128, 128, 128, 255, 128, 128, 128, 255,
				128, 128, 128, 255, 128, 128, 128, 255,
			},
		},
		{
			2,
			[]byte{1, 2, 3, 4, 5, 6, 7, 8},
			[]byte{
				1, 2, 255, 255, 3, 4, 255, 255,
				5, 6, 255, 255, 7, 8, 255, 255,
			},
		},
		{
			3,
			[]byte{10, 20, 30, 10, 20, 30, 10, 20, 30, 10, 20, 30},
			[]byte{
				10, 20, 30, 255, 10, 20, 30, 255,
				10, 20, 30, 255, 10, 20, 30, 255,
			},
		},
		{
			4,
			[]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
			[]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		},
	}

	for index, s := range specs {
		out, err := Normalize(s.in, 2, 2, s.channels)
		if err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", index, err)
		}
		if !bytes.Equal(out, s.exp) {
			t.Fatalf("[spec %d] expected %v; got %v", index, s.exp, out)
		}
	}
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	type spec struct {
		in            []byte
		w, h, channel int
	}
	specs := []spec{
		{[]byte{1, 2, 3}, 2, 2, 1},
		{[]byte{1, 2, 3, 4}, 2, 2, 5},
		{[]byte{1, 2, 3, 4}, 2, 2, 0},
		{nil, 0, 2, 1},
	}

	for index, s := range specs {
		if _, err := Normalize(s.in, s.w, s.h, s.channel); err == nil {
			t.Fatalf("[spec %d] expected an error", index)
		}
	}
}

func TestDecodeGrayPNG(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	for i := range img.Pix {
		img.Pix[i] = 128
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}

	out, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if out.Width != 2 || out.Height != 2 {
		t.Fatalf("expected 2x2 image; got %dx%d", out.Width, out.Height)
	}
	for i := 0; i < 4; i++ {
		px := out.Pixels[i*4 : i*4+4]
		if !bytes.Equal(px, []byte{128, 128, 128, 255}) {
			t.Fatalf("expected pixel %d to be (128,128,128,255); got %v", i, px)
		}
	}
}

func TestFromImageSubImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(2, 2, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	sub := img.SubImage(image.Rect(2, 2, 4, 4))

	out, err := FromImage(sub)
	if err != nil {
		t.Fatal(err)
	}
	if out.Width != 2 || out.Height != 2 || len(out.Pixels) != 16 {
		t.Fatalf("expected tightly packed 2x2 image; got %dx%d with %d bytes", out.Width, out.Height, len(out.Pixels))
	}
	if !bytes.Equal(out.Pixels[:4], []byte{10, 20, 30, 255}) {
		t.Fatalf("expected first pixel (10,20,30,255); got %v", out.Pixels[:4])
	}
}

func TestCheckerboard(t *testing.T) {
	img := Checkerboard(4, 2)
	if len(img.Pixels) != 4*4*4 {
		t.Fatalf("expected %d bytes; got %d", 4*4*4, len(img.Pixels))
	}

	type spec struct {
		x, y int
		exp  byte
	}
	specs := []spec{
		{0, 0, 0xff},
		{2, 0, 0},
		{0, 2, 0},
		{3, 3, 0xff},
	}
	for index, s := range specs {
		if got := img.Pixels[(s.y*4+s.x)*4]; got != s.exp {
			t.Fatalf("[spec %d] expected pixel (%d,%d) to be %d; got %d", index, s.x, s.y, s.exp, got)
		}
	}
}
