package media

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"golang.org/x/image/draw"
)

// PixelFormat names a picture layout, using the usual ffmpeg spellings
type PixelFormat string

const (
	PixelFormatYUV420P  PixelFormat = "yuv420p"
	PixelFormatYUVA420P PixelFormat = "yuva420p"
	PixelFormatRGB24    PixelFormat = "rgb24"
	PixelFormatBGR24    PixelFormat = "bgr24"
	PixelFormatRGBA     PixelFormat = "rgba"
	PixelFormatGray     PixelFormat = "gray"
)

// ParsePixelFormat validates a format name
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch f := PixelFormat(s); f {
	case PixelFormatYUV420P, PixelFormatYUVA420P, PixelFormatRGB24, PixelFormatBGR24, PixelFormatRGBA, PixelFormatGray:
		return f, nil
	}
	return "", fmt.Errorf("unsupported pixel format %q", s)
}

// VideoFrameFromYCbCr copies a 4:2:0 picture into a yuv420p frame.
// The source is copied because decoders reuse their output buffers.
func VideoFrameFromYCbCr(img *image.YCbCr, pts time.Duration) (*VideoFrame, error) {
	if img.SubsampleRatio != image.YCbCrSubsampleRatio420 {
		return nil, fmt.Errorf("unsupported chroma subsampling %v", img.SubsampleRatio)
	}
	b := img.Rect
	w, h := b.Dx(), b.Dy()
	cw, ch := (w+1)/2, (h+1)/2

	y := make([]byte, w*h)
	for row := 0; row < h; row++ {
		off := img.YOffset(b.Min.X, b.Min.Y+row)
		copy(y[row*w:(row+1)*w], img.Y[off:off+w])
	}
	cb := make([]byte, cw*ch)
	cr := make([]byte, cw*ch)
	for row := 0; row < ch; row++ {
		off := img.COffset(b.Min.X, b.Min.Y+row*2)
		copy(cb[row*cw:(row+1)*cw], img.Cb[off:off+cw])
		copy(cr[row*cw:(row+1)*cw], img.Cr[off:off+cw])
	}

	return &VideoFrame{
		Format:  PixelFormatYUV420P,
		Width:   w,
		Height:  h,
		Planes:  [][]byte{y, cb, cr},
		Strides: []int{w, cw, cw},
		PTS:     pts,
	}, nil
}

// YCbCr returns an image view over a yuv420p or yuva420p frame without copying
func (f *VideoFrame) YCbCr() (*image.YCbCr, error) {
	if f.Format != PixelFormatYUV420P && f.Format != PixelFormatYUVA420P {
		return nil, fmt.Errorf("frame is %s, not planar yuv", f.Format)
	}
	if len(f.Planes) < 3 || len(f.Strides) < 3 {
		return nil, fmt.Errorf("planar frame has %d planes", len(f.Planes))
	}
	return &image.YCbCr{
		Y:              f.Planes[0],
		Cb:             f.Planes[1],
		Cr:             f.Planes[2],
		YStride:        f.Strides[0],
		CStride:        f.Strides[1],
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, f.Width, f.Height),
	}, nil
}

// Reformat converts a planar yuv frame into the target layout. Frames already
// in the target layout are returned unchanged.
func Reformat(f *VideoFrame, target PixelFormat) (*VideoFrame, error) {
	if f.Format == target {
		return f, nil
	}
	src, err := f.YCbCr()
	if err != nil {
		return nil, err
	}

	out := &VideoFrame{Format: target, Width: f.Width, Height: f.Height, PTS: f.PTS}
	switch target {
	case PixelFormatYUV420P:
		out.Planes = f.Planes[:3]
		out.Strides = f.Strides[:3]

	case PixelFormatYUVA420P:
		alpha := make([]byte, f.Width*f.Height)
		for i := range alpha {
			alpha[i] = 0xff
		}
		out.Planes = [][]byte{f.Planes[0], f.Planes[1], f.Planes[2], alpha}
		out.Strides = []int{f.Strides[0], f.Strides[1], f.Strides[2], f.Width}

	case PixelFormatGray:
		gray := make([]byte, f.Width*f.Height)
		for row := 0; row < f.Height; row++ {
			copy(gray[row*f.Width:(row+1)*f.Width], src.Y[row*src.YStride:])
		}
		out.Planes = [][]byte{gray}
		out.Strides = []int{f.Width}

	case PixelFormatRGBA:
		dst := image.NewRGBA(src.Rect)
		draw.Copy(dst, image.Point{}, src, src.Rect, draw.Src, nil)
		out.Planes = [][]byte{dst.Pix}
		out.Strides = []int{dst.Stride}

	case PixelFormatRGB24, PixelFormatBGR24:
		stride := f.Width * 3
		pix := make([]byte, stride*f.Height)
		for row := 0; row < f.Height; row++ {
			for col := 0; col < f.Width; col++ {
				yi := src.YOffset(col, row)
				ci := src.COffset(col, row)
				r, g, b := color.YCbCrToRGB(src.Y[yi], src.Cb[ci], src.Cr[ci])
				p := pix[row*stride+col*3 : row*stride+col*3+3]
				if target == PixelFormatRGB24 {
					p[0], p[1], p[2] = r, g, b
				} else {
					p[0], p[1], p[2] = b, g, r
				}
			}
		}
		out.Planes = [][]byte{pix}
		out.Strides = []int{stride}

	default:
		return nil, fmt.Errorf("unsupported pixel format %q", target)
	}
	return out, nil
}
