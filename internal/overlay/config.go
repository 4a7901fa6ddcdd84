package overlay

import (
	"image/color"

	"github.com/dj-oyu/formcheck/analysis-server/internal/analysis"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

// Style holds overlay colors and text layout.
type Style struct {
	Box            color.RGBA
	SkeletonLine   color.RGBA
	SkeletonJoint  color.RGBA
	Good           color.RGBA
	Bad            color.RGBA
	TriangleAlpha  float64
	Text           color.RGBA
	TextBackground color.RGBA
	TextAt         types.Position
	FontSize       float64
	Padding        float64
}

// Config selects what the overlay draws.
type Config struct {
	Style Style
	// Triangle is the criterion evaluated live on the selected frame to color
	// the feedback triangle. Nil disables the triangle.
	Triangle *analysis.Criterion
}

// DefaultStyle returns the pushup overlay palette.
func DefaultStyle() Style {
	return Style{
		Box:            color.RGBA{93, 236, 201, 255},
		SkeletonLine:   color.RGBA{97, 50, 255, 255},
		SkeletonJoint:  color.RGBA{255, 255, 255, 255},
		Good:           color.RGBA{93, 236, 201, 255},
		Bad:            color.RGBA{232, 92, 92, 255},
		TriangleAlpha:  0.75,
		Text:           color.RGBA{255, 255, 255, 255},
		TextBackground: color.RGBA{94, 49, 255, 255},
		TextAt:         types.Position{X: 0.1, Y: 0.1},
		FontSize:       18,
		Padding:        4,
	}
}

// DefaultConfig colors the triangle by the depth criterion.
func DefaultConfig() Config {
	depth := analysis.PushupCriteria()[0]
	return Config{
		Style:    DefaultStyle(),
		Triangle: &depth,
	}
}
