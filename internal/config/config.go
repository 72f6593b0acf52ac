// Package config loads the service configuration from a JSON file, then
// applies environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"trafficcount/internal/counting"
)

// maxFileSize caps config files at 1MB
const maxFileSize = 1 * 1024 * 1024

// Tracker backends
const (
	TrackerGRPC = "grpc"
	TrackerHTTP = "http"
)

// Config is the root configuration. Fields omitted from the JSON file keep
// their Default values, so partial configs are safe.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Tracker  TrackerConfig  `json:"tracker"`
	Capture  CaptureConfig  `json:"capture"`
	Session  SessionConfig  `json:"session"`
	Display  DisplayConfig  `json:"display"`
	Database DatabaseConfig `json:"database"`
	Auth     AuthConfig     `json:"auth"`
	Telegram TelegramConfig `json:"telegram"`

	// Source is started on boot when set
	Source string `json:"source,omitempty"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr  string `json:"addr"`
	Debug bool   `json:"debug"` // Log request and response bodies
}

// TrackerConfig selects and tunes the detection+tracking backend
type TrackerConfig struct {
	Kind        string            `json:"kind"` // "grpc" or "http"
	Endpoint    string            `json:"endpoint"`
	CallTimeout string            `json:"call_timeout,omitempty"` // Duration string; empty means none
	JPEGQuality int               `json:"jpeg_quality"`
	IoU         float64           `json:"iou"`
	ImageSize   int               `json:"image_size"`
	ClassMap    map[string]string `json:"class_map"` // Class id -> category
}

// CaptureConfig tunes frame sources
type CaptureConfig struct {
	Backend  string `json:"backend"` // "auto", "ffmpeg" or "gocv"
	FFmpeg   string `json:"ffmpeg"`  // Binary path
	FPS      int    `json:"fps"`
	Realtime bool   `json:"realtime"` // Read files at native speed
}

// SessionConfig holds the counting defaults
type SessionConfig struct {
	Categories  []string `json:"categories"`
	ZoneCenter  int      `json:"zone_center"`
	ZoneOffset  int      `json:"zone_offset"`
	Confidence  float64  `json:"confidence"`
	FrameWidth  int      `json:"frame_width"`
	FrameHeight int      `json:"frame_height"`
	RateWindow  string   `json:"rate_window"`
}

// DisplayConfig sets the display loop cadence
type DisplayConfig struct {
	Interval string `json:"interval"`
}

// DatabaseConfig locates the crossing log
type DatabaseConfig struct {
	Path string `json:"path"` // Empty disables recording
}

// AuthConfig configures bearer-token auth. Secrets come from the environment only.
type AuthConfig struct {
	Enabled        bool   `json:"enabled"`
	Username       string `json:"username"`
	Password       string `json:"-"`
	ViewerUsername string `json:"viewer_username"` // Read-only account, optional
	ViewerPassword string `json:"-"`
	JWTSecret      string `json:"-"`
	JWTExpiry      string `json:"jwt_expiry"`
}

// TelegramConfig enables end-of-run reports. The bot token comes from the environment only.
type TelegramConfig struct {
	Enabled         bool   `json:"enabled"`
	BotToken        string `json:"-"`
	ChatID          string `json:"chat_id"`
	CooldownSeconds int    `json:"cooldown_seconds"`
	AttachFrame     bool   `json:"attach_frame"`
}

// Default returns the stock configuration
func Default() *Config {
	session := counting.DefaultSessionOptions()
	categories := make([]string, len(session.Categories))
	for i, c := range session.Categories {
		categories[i] = string(c)
	}

	classMap := make(map[string]string)
	for id, cat := range counting.DefaultClassMap() {
		classMap[strconv.Itoa(id)] = string(cat)
	}

	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Tracker: TrackerConfig{
			Kind:        TrackerGRPC,
			Endpoint:    "localhost:50051",
			JPEGQuality: 90,
			IoU:         0.5,
			ImageSize:   640,
			ClassMap:    classMap,
		},
		Capture: CaptureConfig{
			Backend: "auto",
			FFmpeg:  "ffmpeg",
		},
		Session: SessionConfig{
			Categories:  categories,
			ZoneCenter:  session.ZoneCenter,
			ZoneOffset:  session.ZoneOffset,
			Confidence:  session.Confidence,
			FrameWidth:  session.FrameWidth,
			FrameHeight: session.FrameHeight,
			RateWindow:  "1s",
		},
		Display:  DisplayConfig{Interval: "50ms"},
		Database: DatabaseConfig{Path: "trafficcount.db"},
		Auth: AuthConfig{
			Username:  "admin",
			JWTExpiry: "24h",
		},
		Telegram: TelegramConfig{
			CooldownSeconds: 30,
			AttachFrame:     true,
		},
	}
}

// Load reads a JSON config over the defaults. The file must have a .json
// extension and be at most 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. getenv is
// usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("AUTH_ENABLED"); v != "" {
		c.Auth.Enabled = v == "true"
	}
	if v := getenv("AUTH_USERNAME"); v != "" {
		c.Auth.Username = v
	}
	if v := getenv("AUTH_PASSWORD"); v != "" {
		c.Auth.Password = v
	}
	if v := getenv("AUTH_VIEWER_USERNAME"); v != "" {
		c.Auth.ViewerUsername = v
	}
	if v := getenv("AUTH_VIEWER_PASSWORD"); v != "" {
		c.Auth.ViewerPassword = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := getenv("JWT_EXPIRY"); v != "" {
		c.Auth.JWTExpiry = v
	}
	if v := getenv("TRACKER_KIND"); v != "" {
		c.Tracker.Kind = v
	}
	if v := getenv("TRACKER_ENDPOINT"); v != "" {
		c.Tracker.Endpoint = v
	}
	if v := getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := getenv("CAPTURE_BACKEND"); v != "" {
		c.Capture.Backend = v
	}
	if v := getenv("TELEGRAM_ENABLED"); v != "" {
		c.Telegram.Enabled = v == "true"
	}
	if v := getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
}

// Validate checks value ranges and duration strings
func (c *Config) Validate() error {
	switch c.Tracker.Kind {
	case TrackerGRPC, TrackerHTTP:
	default:
		return fmt.Errorf("tracker.kind must be %q or %q, got %q", TrackerGRPC, TrackerHTTP, c.Tracker.Kind)
	}
	if c.Tracker.Endpoint == "" {
		return fmt.Errorf("tracker.endpoint is required")
	}
	if _, err := c.TrackerClassMap(); err != nil {
		return err
	}

	s := c.Session
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("session.confidence must be between 0 and 1, got %f", s.Confidence)
	}
	if s.FrameWidth <= 0 || s.FrameHeight <= 0 {
		return fmt.Errorf("session frame size must be positive, got %dx%d", s.FrameWidth, s.FrameHeight)
	}
	if s.ZoneOffset < 0 {
		return fmt.Errorf("session.zone_offset must not be negative, got %d", s.ZoneOffset)
	}
	if len(s.Categories) == 0 {
		return fmt.Errorf("session.categories must not be empty")
	}

	if c.Telegram.CooldownSeconds < 0 {
		return fmt.Errorf("telegram.cooldown_seconds cannot be negative")
	}

	for name, v := range map[string]string{
		"tracker.call_timeout": c.Tracker.CallTimeout,
		"session.rate_window":  s.RateWindow,
		"display.interval":     c.Display.Interval,
		"auth.jwt_expiry":      c.Auth.JWTExpiry,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, v, err)
		}
	}
	return nil
}

// SessionOptions converts the session section
func (c *Config) SessionOptions() counting.SessionOptions {
	cats := make([]counting.Category, len(c.Session.Categories))
	for i, s := range c.Session.Categories {
		cats[i] = counting.Category(s)
	}
	return counting.SessionOptions{
		Categories:  cats,
		ZoneCenter:  c.Session.ZoneCenter,
		ZoneOffset:  c.Session.ZoneOffset,
		Confidence:  c.Session.Confidence,
		FrameWidth:  c.Session.FrameWidth,
		FrameHeight: c.Session.FrameHeight,
	}
}

// TrackerClassMap parses the class id table
func (c *Config) TrackerClassMap() (map[int]counting.Category, error) {
	out := make(map[int]counting.Category, len(c.Tracker.ClassMap))
	for k, v := range c.Tracker.ClassMap {
		id, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("tracker.class_map key %q is not a class id", k)
		}
		out[id] = counting.Category(v)
	}
	return out, nil
}

// TrackerClasses returns the class ids sent to the tracker, ascending.
// Only ids whose category is counted are requested.
func (c *Config) TrackerClasses() []int {
	classMap, _ := c.TrackerClassMap()
	wanted := make(map[string]bool, len(c.Session.Categories))
	for _, s := range c.Session.Categories {
		wanted[s] = true
	}

	var ids []int
	for id, cat := range classMap {
		if wanted[string(cat)] {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Duration parses a validated duration string, returning def when empty
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
