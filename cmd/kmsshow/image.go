package main

import (
	"fmt"
	"image"
	"image/color"
	"io"

	// Decoders register themselves with image.Decode.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/image/draw"
)

type fitMode string

const (
	fitStretch fitMode = "stretch"
	fitContain fitMode = "contain"
	fitCenter  fitMode = "center"
)

func parseFit(s string) (fitMode, error) {
	switch m := fitMode(s); m {
	case fitStretch, fitContain, fitCenter:
		return m, nil
	}
	return "", fmt.Errorf("unknown fit %q, want stretch, contain or center", s)
}

func decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// compose renders src onto a width x height canvas filled with bg.
func compose(src image.Image, width, height int, fit fitMode, bg color.Color) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	sb := src.Bounds()
	var target image.Rectangle
	switch fit {
	case fitStretch:
		target = dst.Bounds()
	case fitContain:
		w, h := width, sb.Dy()*width/max(sb.Dx(), 1)
		if h > height {
			w, h = sb.Dx()*height/max(sb.Dy(), 1), height
		}
		target = centered(w, h, width, height)
	case fitCenter:
		target = centered(sb.Dx(), sb.Dy(), width, height)
		draw.Draw(dst, target, src, sb.Min, draw.Over)
		return dst
	}
	draw.CatmullRom.Scale(dst, target, src, sb, draw.Over, nil)
	return dst
}

func centered(w, h, width, height int) image.Rectangle {
	x, y := (width-w)/2, (height-h)/2
	return image.Rect(x, y, x+w, y+h)
}

// xrgb packs img into 0xXXRRGGBB words, row major.
func xrgb(img *image.RGBA) []uint32 {
	b := img.Bounds()
	out := make([]uint32, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			p := row[x*4 : x*4+4]
			out = append(out, 0xff000000|uint32(p[0])<<16|uint32(p[1])<<8|uint32(p[2]))
		}
	}
	return out
}
