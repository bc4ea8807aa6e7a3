package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestXRGB(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 0x12, G: 0x34, B: 0x56, A: 0xff})
	img.SetRGBA(1, 0, color.RGBA{R: 0xff, A: 0x80})

	got := xrgb(img)
	want := []uint32{0xff123456, 0xffff0000}
	if len(got) != len(want) {
		t.Fatalf("got %d pixels, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pixel %d = %#08x, want %#08x", i, got[i], want[i])
		}
	}
}

func TestXRGBSubImage(t *testing.T) {
	img := solid(4, 4, color.RGBA{B: 0xff, A: 0xff})
	img.SetRGBA(2, 2, color.RGBA{G: 0xff, A: 0xff})
	sub := img.SubImage(image.Rect(2, 2, 4, 4)).(*image.RGBA)

	got := xrgb(sub)
	if len(got) != 4 {
		t.Fatalf("got %d pixels, want 4", len(got))
	}
	if got[0] != 0xff00ff00 || got[1] != 0xff0000ff {
		t.Fatalf("unexpected pixels %#08x", got)
	}
}

func TestComposeContainLetterboxes(t *testing.T) {
	red := color.RGBA{R: 0xff, A: 0xff}
	black := color.RGBA{A: 0xff}

	// 2:1 source on a square canvas leaves bars above and below.
	dst := compose(solid(20, 10, red), 20, 20, fitContain, black)
	if got := dst.RGBAAt(10, 1); got != black {
		t.Errorf("top bar = %v, want black", got)
	}
	if got := dst.RGBAAt(10, 10); got != red {
		t.Errorf("middle = %v, want red", got)
	}
	if got := dst.RGBAAt(10, 18); got != black {
		t.Errorf("bottom bar = %v, want black", got)
	}
}

func TestComposeStretchFills(t *testing.T) {
	green := color.RGBA{G: 0xff, A: 0xff}
	dst := compose(solid(3, 7, green), 16, 9, fitStretch, color.RGBA{A: 0xff})
	for _, p := range []image.Point{{0, 0}, {15, 8}, {8, 4}} {
		if got := dst.RGBAAt(p.X, p.Y); got != green {
			t.Errorf("pixel %v = %v, want green", p, got)
		}
	}
}

func TestComposeCenterKeepsSize(t *testing.T) {
	src := solid(4, 2, color.RGBA{R: 0xff, A: 0xff})
	dst := compose(src, 8, 8, fitCenter, color.RGBA{A: 0xff})
	if got := dst.RGBAAt(2, 3); got.R != 0xff {
		t.Errorf("inside = %v, want red", got)
	}
	if got := dst.RGBAAt(1, 3); got.R != 0 {
		t.Errorf("outside = %v, want background", got)
	}
	if got := dst.RGBAAt(2, 5); got.R != 0 {
		t.Errorf("below = %v, want background", got)
	}
}

func TestDecodePNG(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solid(3, 2, color.RGBA{B: 0xff, A: 0xff})); err != nil {
		t.Fatal(err)
	}
	img, format, err := decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if format != "png" || img.Bounds().Dx() != 3 || img.Bounds().Dy() != 2 {
		t.Fatalf("decoded %s %v", format, img.Bounds())
	}
	if _, _, err := decode(bytes.NewReader([]byte("not an image"))); err == nil {
		t.Fatal("garbage decoded")
	}
}

func TestParseFit(t *testing.T) {
	if _, err := parseFit("cover"); err == nil {
		t.Fatal("accepted unknown fit")
	}
	if m, err := parseFit("stretch"); err != nil || m != fitStretch {
		t.Fatalf("parseFit(stretch) = %q, %v", m, err)
	}
}
