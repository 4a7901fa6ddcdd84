package config

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"github.com/dj-oyu/formcheck/analysis-server/internal/analysis"
	"github.com/dj-oyu/formcheck/analysis-server/internal/logger"
	"github.com/dj-oyu/formcheck/analysis-server/internal/posefeed"
	"github.com/dj-oyu/formcheck/analysis-server/internal/report"
	"github.com/dj-oyu/formcheck/analysis-server/internal/segment"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks if the configuration is valid. Every error wraps ErrInvalid.
func Validate(cfg *Config) error {
	if _, err := logger.ParseLevel(cfg.LogLevel); err != nil {
		return invalid("log_level: %v", err)
	}

	if cfg.Server.HTTPAddr == "" {
		return invalid("server.http_addr is required")
	}
	if cfg.Server.MaxWebRTCClients <= 0 {
		cfg.Server.MaxWebRTCClients = 4
	}
	if cfg.Server.StreamFPS <= 0 {
		return invalid("server.stream_fps must be > 0")
	}
	if cfg.Server.FrameWidth <= 0 || cfg.Server.FrameHeight <= 0 {
		return invalid("server frame size must be positive, got %dx%d",
			cfg.Server.FrameWidth, cfg.Server.FrameHeight)
	}
	if cfg.Server.JPEGQuality < 1 || cfg.Server.JPEGQuality > 100 {
		return invalid("server.jpeg_quality must be in [1, 100]")
	}

	if err := validateSegmentation(cfg.Segmentation); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.Criteria))
	for i, c := range cfg.Criteria {
		if c.Name == "" {
			return invalid("criteria[%d]: name is required", i)
		}
		if seen[c.Name] {
			return invalid("criteria: duplicate name %q", c.Name)
		}
		seen[c.Name] = true
		if _, err := c.Criterion(); err != nil {
			return invalid("criteria %q: %v", c.Name, err)
		}
	}

	if err := validateOverlay(cfg.Overlay, seen); err != nil {
		return err
	}

	if cfg.MQTT.QoS > 2 {
		return invalid("mqtt.qos must be 0, 1 or 2")
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "formcheck"
	}
	if _, err := posefeed.ParseFormat(cfg.Recording.Format); err != nil {
		return invalid("recording.format: %v", err)
	}
	if _, err := report.ParseFormat(cfg.Report.Format); err != nil {
		return invalid("report.format: %v", err)
	}
	return nil
}

func validateSegmentation(s SegmentationConfig) error {
	if _, err := types.ParseKeypoint(s.From); err != nil {
		return invalid("segmentation.from: %v", err)
	}
	if _, err := types.ParseKeypoint(s.To); err != nil {
		return invalid("segmentation.to: %v", err)
	}
	if s.From == s.To {
		return invalid("segmentation joints must differ")
	}
	if s.Threshold <= 0 {
		return invalid("segmentation.threshold must be > 0")
	}
	if s.Hysteresis < 0 {
		return invalid("segmentation.hysteresis must be >= 0")
	}
	if s.MinFrames < 0 {
		return invalid("segmentation.min_frames must be >= 0")
	}
	switch s.Strategy {
	case "", segment.StrategyRescan, segment.StrategyIncremental:
	default:
		return invalid("segmentation.strategy %q (expected rescan|incremental)", s.Strategy)
	}
	return nil
}

func validateOverlay(o OverlayConfig, criteria map[string]bool) error {
	colors := map[string]string{
		"box":             o.Box,
		"skeleton_line":   o.SkeletonLine,
		"skeleton_joint":  o.SkeletonJoint,
		"good":            o.Good,
		"bad":             o.Bad,
		"text":            o.Text,
		"text_background": o.TextBackground,
	}
	for name, value := range colors {
		if _, err := ParseColor(value); err != nil {
			return invalid("overlay.%s: %v", name, err)
		}
	}
	if o.TriangleAlpha < 0 || o.TriangleAlpha > 1 {
		return invalid("overlay.triangle_alpha must be in [0, 1]")
	}
	if o.TriangleCriterion != "" && !criteria[o.TriangleCriterion] {
		return invalid("overlay.triangle_criterion %q is not a configured criterion", o.TriangleCriterion)
	}
	if o.FontSize <= 0 {
		return invalid("overlay.font_size must be > 0")
	}
	return nil
}

// ParseColor parses #rgb, #rrggbb or #rrggbbaa.
func ParseColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return color.RGBA{}, fmt.Errorf("bad color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("bad color %q", s)
	}
	return color.RGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

// Criterion converts the YAML form into an analysis criterion.
func (c CriterionConfig) Criterion() (analysis.Criterion, error) {
	out := analysis.Criterion{
		Name:       c.Name,
		Phase:      analysis.Phase(c.Phase),
		Comparison: analysis.Comparison(c.Comparison),
		Threshold:  c.Threshold,
		Coarse:     c.Coarse,
	}
	if _, err := out.Phase.Index(types.Rep{}); err != nil {
		return out, err
	}
	switch out.Comparison {
	case analysis.Below, analysis.Above:
	default:
		return out, fmt.Errorf("unknown comparison: %q", c.Comparison)
	}

	var err error
	if out.From, err = types.ParseKeypoint(c.From); err != nil {
		return out, err
	}
	if out.To, err = types.ParseKeypoint(c.To); err != nil {
		return out, err
	}
	if c.Vertex != "" {
		v, err := types.ParseKeypoint(c.Vertex)
		if err != nil {
			return out, err
		}
		out.Vertex = &v
	}
	return out, nil
}
