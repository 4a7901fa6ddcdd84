package config

import (
	"image/color"

	"github.com/dj-oyu/formcheck/analysis-server/internal/analysis"
	"github.com/dj-oyu/formcheck/analysis-server/internal/emitter"
	"github.com/dj-oyu/formcheck/analysis-server/internal/overlay"
	"github.com/dj-oyu/formcheck/analysis-server/internal/posefeed"
	"github.com/dj-oyu/formcheck/analysis-server/internal/report"
	"github.com/dj-oyu/formcheck/analysis-server/internal/segment"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

// The builders below assume a validated Config.

// Signal returns the keypoint distance the segmenter scans.
func (c *Config) Signal() (segment.Signal, error) {
	from, err := types.ParseKeypoint(c.Segmentation.From)
	if err != nil {
		return nil, err
	}
	to, err := types.ParseKeypoint(c.Segmentation.To)
	if err != nil {
		return nil, err
	}
	return segment.KeypointDistance(from, to), nil
}

// Segmenter builds the configured rep segmentation strategy.
func (c *Config) Segmenter() (segment.Strategy, error) {
	signal, err := c.Signal()
	if err != nil {
		return nil, err
	}
	return segment.New(c.Segmentation.Strategy, signal, segment.Options{
		Threshold:  c.Segmentation.Threshold,
		Hysteresis: c.Segmentation.Hysteresis,
		MinFrames:  c.Segmentation.MinFrames,
	})
}

// AnalysisCriteria converts the configured criteria in order.
func (c *Config) AnalysisCriteria() ([]analysis.Criterion, error) {
	out := make([]analysis.Criterion, 0, len(c.Criteria))
	for _, cc := range c.Criteria {
		crit, err := cc.Criterion()
		if err != nil {
			return nil, invalid("criteria %q: %v", cc.Name, err)
		}
		out = append(out, crit)
	}
	return out, nil
}

// OverlayConfig builds the overlay style and triangle criterion.
func (c *Config) OverlayConfig() (overlay.Config, error) {
	o := c.Overlay
	style := overlay.DefaultStyle()

	targets := []struct {
		value string
		dst   *color.RGBA
	}{
		{o.Box, &style.Box},
		{o.SkeletonLine, &style.SkeletonLine},
		{o.SkeletonJoint, &style.SkeletonJoint},
		{o.Good, &style.Good},
		{o.Bad, &style.Bad},
		{o.Text, &style.Text},
		{o.TextBackground, &style.TextBackground},
	}
	for _, t := range targets {
		col, err := ParseColor(t.value)
		if err != nil {
			return overlay.Config{}, invalid("overlay: %v", err)
		}
		*t.dst = col
	}

	style.TriangleAlpha = o.TriangleAlpha
	style.TextAt = types.Position{X: o.TextX, Y: o.TextY}
	style.FontSize = o.FontSize
	style.Padding = o.Padding

	cfg := overlay.Config{Style: style}
	if o.TriangleCriterion != "" {
		for _, cc := range c.Criteria {
			if cc.Name != o.TriangleCriterion {
				continue
			}
			crit, err := cc.Criterion()
			if err != nil {
				return overlay.Config{}, invalid("overlay triangle: %v", err)
			}
			cfg.Triangle = &crit
			break
		}
		if cfg.Triangle == nil {
			return overlay.Config{}, invalid("overlay.triangle_criterion %q is not a configured criterion", o.TriangleCriterion)
		}
	}
	return cfg, nil
}

// MQTTEmitter returns the emitter settings; ok is false when no broker is set.
func (c *Config) MQTTEmitter() (emitter.Config, bool) {
	return emitter.Config{
		Broker:      c.MQTT.Broker,
		ClientID:    c.MQTT.ClientID,
		TopicPrefix: c.MQTT.TopicPrefix,
		QoS:         c.MQTT.QoS,
	}, c.MQTT.Broker != ""
}

// RecordingFormat returns the pose recording encoding.
func (c *Config) RecordingFormat() posefeed.Format {
	f, err := posefeed.ParseFormat(c.Recording.Format)
	if err != nil {
		return posefeed.JSONLines
	}
	return f
}

// ReportFormat returns the report file format.
func (c *Config) ReportFormat() report.Format {
	f, err := report.ParseFormat(c.Report.Format)
	if err != nil {
		return report.Parquet
	}
	return f
}
