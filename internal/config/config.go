// Package config loads the analysis server configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Environment overrides applied after the YAML file.
const (
	EnvHTTPAddr   = "FORMCHECK_HTTP_ADDR"
	EnvLogLevel   = "FORMCHECK_LOG_LEVEL"
	EnvMQTTBroker = "FORMCHECK_MQTT_BROKER"
)

// Config represents the complete analysis server configuration
type Config struct {
	LogLevel     string             `yaml:"log_level"`
	Server       ServerConfig       `yaml:"server"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Criteria     []CriterionConfig  `yaml:"criteria"`
	Overlay      OverlayConfig      `yaml:"overlay"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Recording    RecordingConfig    `yaml:"recording"`
	Report       ReportConfig       `yaml:"report"`
}

// ServerConfig contains HTTP and WebRTC settings
type ServerConfig struct {
	HTTPAddr         string   `yaml:"http_addr"`
	MetricsAddr      string   `yaml:"metrics_addr"` // empty: /metrics on HTTPAddr only
	MaxWebRTCClients int      `yaml:"max_webrtc_clients"`
	STUNServers      []string `yaml:"stun_servers"`
	StreamFPS        int      `yaml:"stream_fps"` // MJPEG playback rate
	FrameWidth       int      `yaml:"frame_width"`
	FrameHeight      int      `yaml:"frame_height"`
	JPEGQuality      int      `yaml:"jpeg_quality"`
}

// SegmentationConfig selects the rep boundary signal
type SegmentationConfig struct {
	From       string  `yaml:"from"` // keypoint names, e.g. leftElbow
	To         string  `yaml:"to"`
	Threshold  float64 `yaml:"threshold"`
	Hysteresis float64 `yaml:"hysteresis"`
	MinFrames  int     `yaml:"min_frames"`
	Strategy   string  `yaml:"strategy"` // rescan, incremental
}

// CriterionConfig defines one named form check
type CriterionConfig struct {
	Name       string  `yaml:"name"`
	Phase      string  `yaml:"phase"` // start, middle, end
	From       string  `yaml:"from"`
	To         string  `yaml:"to"`
	Vertex     string  `yaml:"vertex,omitempty"`
	Comparison string  `yaml:"comparison"` // below, above
	Threshold  float64 `yaml:"threshold"`
	Coarse     bool    `yaml:"coarse"`
}

// OverlayConfig contains overlay colors (#rrggbb or #rrggbbaa) and layout
type OverlayConfig struct {
	Box               string  `yaml:"box"`
	SkeletonLine      string  `yaml:"skeleton_line"`
	SkeletonJoint     string  `yaml:"skeleton_joint"`
	Good              string  `yaml:"good"`
	Bad               string  `yaml:"bad"`
	Text              string  `yaml:"text"`
	TextBackground    string  `yaml:"text_background"`
	TriangleAlpha     float64 `yaml:"triangle_alpha"`
	TriangleCriterion string  `yaml:"triangle_criterion"` // empty disables the triangle
	TextX             float64 `yaml:"text_x"`
	TextY             float64 `yaml:"text_y"`
	FontSize          float64 `yaml:"font_size"`
	Padding           float64 `yaml:"padding"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // empty disables publishing
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// RecordingConfig contains pose recording settings
type RecordingConfig struct {
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"` // jsonl, msgpack
}

// ReportConfig contains report export settings
type ReportConfig struct {
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"` // parquet, csv
}

// Default returns the pushup configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			HTTPAddr:         ":8080",
			MaxWebRTCClients: 4,
			StreamFPS:        30,
			FrameWidth:       640,
			FrameHeight:      480,
			JPEGQuality:      80,
		},
		Segmentation: SegmentationConfig{
			From:       "leftElbow",
			To:         "leftShoulder",
			Threshold:  0.1,
			Hysteresis: 0.02,
			MinFrames:  1,
			Strategy:   "incremental",
		},
		Criteria: []CriterionConfig{
			{Name: "depth", Phase: "middle", From: "leftElbow", To: "leftShoulder", Comparison: "below", Threshold: 0},
			{Name: "lockout", Phase: "end", From: "leftElbow", To: "leftWrist", Comparison: "below", Threshold: 180},
		},
		Overlay: OverlayConfig{
			Box:               "#5decc9",
			SkeletonLine:      "#6132ff",
			SkeletonJoint:     "#ffffff",
			Good:              "#5decc9",
			Bad:               "#e85c5c",
			Text:              "#ffffff",
			TextBackground:    "#5e31ff",
			TriangleAlpha:     0.75,
			TriangleCriterion: "depth",
			TextX:             0.1,
			TextY:             0.1,
			FontSize:          18,
			Padding:           4,
		},
		MQTT: MQTTConfig{
			ClientID:    "formcheck",
			TopicPrefix: "formcheck",
		},
		Recording: RecordingConfig{
			Dir:    "./recordings",
			Format: "jsonl",
		},
		Report: ReportConfig{
			Dir:    "./reports",
			Format: "parquet",
		},
	}
}

// Load reads a YAML configuration file on top of Default, applies .env and
// environment overrides, and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := LoadEnv(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnv loads ./.env when present (existing variables win) and applies the
// FORMCHECK_* overrides.
func LoadEnv(cfg *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	return nil
}

// ApplyEnv overrides fields from lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvHTTPAddr); ok && v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v, ok := lookup(EnvMQTTBroker); ok {
		cfg.MQTT.Broker = v
	}
}
