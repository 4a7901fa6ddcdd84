// Package raster draws overlay instructions onto an in-memory RGBA image and
// encodes the result as JPEG.
package raster

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"math"
	"strings"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"github.com/dj-oyu/formcheck/analysis-server/internal/overlay"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

const (
	defaultLineWidth   = 3
	defaultJointRadius = 4
	jointSegments      = 12
)

// Surface implements overlay.DrawSurface on an image.RGBA.
// Positions are normalized to the image size.
type Surface struct {
	img         *image.RGBA
	LineWidth   float64
	JointRadius float64
}

var _ overlay.DrawSurface = (*Surface)(nil)

// New returns a surface of the given size filled with bg.
func New(width, height int, bg color.Color) *Surface {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	return &Surface{img: img, LineWidth: defaultLineWidth, JointRadius: defaultJointRadius}
}

// FromImage returns a surface drawing over a copy of src.
func FromImage(src image.Image) *Surface {
	b := src.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(img, img.Bounds(), src, b.Min, draw.Src)
	return &Surface{img: img, LineWidth: defaultLineWidth, JointRadius: defaultJointRadius}
}

// DecodeJPEG builds a surface from an encoded video frame.
func DecodeJPEG(data []byte) (*Surface, error) {
	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return FromImage(src), nil
}

// Image returns the backing image.
func (s *Surface) Image() *image.RGBA {
	return s.img
}

// EncodeJPEG writes the surface as JPEG.
func (s *Surface) EncodeJPEG(w io.Writer, quality int) error {
	return jpeg.Encode(w, s.img, &jpeg.Options{Quality: quality})
}

// JPEG returns the encoded surface.
func (s *Surface) JPEG(quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.EncodeJPEG(&buf, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Surface) px(p types.Position) (float32, float32) {
	b := s.img.Bounds()
	return float32(p.X * float64(b.Dx())), float32(p.Y * float64(b.Dy()))
}

func (s *Surface) fill(z *vector.Rasterizer, c color.RGBA, alpha float64) {
	a := uint8(math.Round(math.Max(0, math.Min(1, alpha)) * float64(c.A)))
	src := image.NewUniform(color.NRGBA{R: c.R, G: c.G, B: c.B, A: a})
	z.Draw(s.img, s.img.Bounds(), src, image.Point{})
}

func (s *Surface) rasterizer() *vector.Rasterizer {
	b := s.img.Bounds()
	return vector.NewRasterizer(b.Dx(), b.Dy())
}

// line adds a stroked segment as a closed quad.
func (s *Surface) line(z *vector.Rasterizer, x0, y0, x1, y1 float32) {
	dx, dy := float64(x1-x0), float64(y1-y0)
	n := math.Hypot(dx, dy)
	if n == 0 {
		return
	}
	hw := s.LineWidth / 2
	ox, oy := float32(-dy/n*hw), float32(dx/n*hw)
	z.MoveTo(x0+ox, y0+oy)
	z.LineTo(x1+ox, y1+oy)
	z.LineTo(x1-ox, y1-oy)
	z.LineTo(x0-ox, y0-oy)
	z.ClosePath()
}

// DrawBox strokes the bounding box outline.
func (s *Surface) DrawBox(box types.BoundingBox, c color.RGBA) {
	x0, y0 := s.px(types.Position{X: box.X, Y: box.Y})
	x1, y1 := s.px(types.Position{X: box.X + box.Width, Y: box.Y + box.Height})
	z := s.rasterizer()
	s.line(z, x0, y0, x1, y0)
	s.line(z, x1, y0, x1, y1)
	s.line(z, x1, y1, x0, y1)
	s.line(z, x0, y1, x0, y0)
	s.fill(z, c, 1)
}

// DrawSkeleton strokes every bone whose joints are both present, then marks
// each present joint.
func (s *Surface) DrawSkeleton(frame types.PoseFrame, line, joint color.RGBA) {
	bones := s.rasterizer()
	for _, pair := range types.Skeleton {
		a, okA := frame.Keypoint(pair[0])
		b, okB := frame.Keypoint(pair[1])
		if !okA || !okB {
			continue
		}
		x0, y0 := s.px(a)
		x1, y1 := s.px(b)
		s.line(bones, x0, y0, x1, y1)
	}
	s.fill(bones, line, 1)

	joints := s.rasterizer()
	for _, p := range frame.Keypoints {
		cx, cy := s.px(p)
		r := s.JointRadius
		for i := 0; i < jointSegments; i++ {
			t := 2 * math.Pi * float64(i) / jointSegments
			x, y := cx+float32(r*math.Cos(t)), cy+float32(r*math.Sin(t))
			if i == 0 {
				joints.MoveTo(x, y)
			} else {
				joints.LineTo(x, y)
			}
		}
		joints.ClosePath()
	}
	s.fill(joints, joint, 1)
}

// DrawPolygon fills a closed polygon blended over the image with alpha.
func (s *Surface) DrawPolygon(points []types.Position, fill color.RGBA, alpha float64) {
	if len(points) < 3 || alpha <= 0 {
		return
	}
	z := s.rasterizer()
	for i, p := range points {
		x, y := s.px(p)
		if i == 0 {
			z.MoveTo(x, y)
		} else {
			z.LineTo(x, y)
		}
	}
	z.ClosePath()
	s.fill(z, fill, alpha)
}

// DrawText renders a multi-line panel with an opaque background, anchored at
// its top-left corner. The bitmap face is scaled to FontSize pixels per line.
func (s *Surface) DrawText(text string, at types.Position, style overlay.TextStyle) {
	face := basicfont.Face7x13
	lines := strings.Split(text, "\n")
	lineHeight := face.Metrics().Height.Ceil()
	pad := int(math.Round(style.Padding))

	width := 0
	for _, l := range lines {
		if w := font.MeasureString(face, l).Ceil(); w > width {
			width = w
		}
	}
	panel := image.NewRGBA(image.Rect(0, 0, width+2*pad, len(lines)*lineHeight+2*pad))
	draw.Draw(panel, panel.Bounds(), image.NewUniform(style.Background), image.Point{}, draw.Src)

	d := font.Drawer{Dst: panel, Src: image.NewUniform(style.Color), Face: face}
	for i, l := range lines {
		d.Dot = fixed.P(pad, pad+i*lineHeight+face.Metrics().Ascent.Ceil())
		d.DrawString(l)
	}

	scale := 1.0
	if style.FontSize > 0 {
		scale = style.FontSize / float64(lineHeight)
	}
	x, y := s.px(at)
	dst := image.Rect(
		int(x), int(y),
		int(x)+int(math.Round(float64(panel.Bounds().Dx())*scale)),
		int(y)+int(math.Round(float64(panel.Bounds().Dy())*scale)),
	)
	xdraw.NearestNeighbor.Scale(s.img, dst, panel, panel.Bounds(), xdraw.Over, nil)
}
