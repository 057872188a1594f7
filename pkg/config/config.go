package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"telecall/pkg/circuitbreaker"
	"telecall/pkg/logger"
	"telecall/pkg/retry"
	"telecall/pkg/tracing"
	"telecall/pkg/validation"

	"gopkg.in/yaml.v2"
)

const envPrefix = "TELECALL_"

// LevelThreshold is the worst transport a quality level tolerates.
type LevelThreshold struct {
	MaxPacketLoss float64 `yaml:"max_packet_loss"`
	MaxRTTMs      float64 `yaml:"max_rtt_ms"`
}

// Profile is the encoding target for one quality level.
type Profile struct {
	MaxBitrateKbps  int    `yaml:"max_bitrate_kbps"`
	TargetFrameRate int    `yaml:"target_frame_rate"`
	Resolution      string `yaml:"resolution"`
	VideoEnabled    bool   `yaml:"video_enabled"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxCalls        int           `yaml:"max_calls"`
		// AllowedOrigins enables CORS on the control surface when set.
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		URL             string        `yaml:"url"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		BacklogSize     int           `yaml:"backlog_size"`
		Dial            retry.Config  `yaml:"dial"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		MaxBitrateKbps int `yaml:"max_bitrate_kbps"`
	} `yaml:"webrtc"`

	Audio struct {
		InputSampleRate int `yaml:"input_sample_rate"`
		FrameSize       int `yaml:"frame_size"`
	} `yaml:"audio"`

	Quality struct {
		Interval     time.Duration             `yaml:"interval"`
		PollTimeout  time.Duration             `yaml:"poll_timeout"`
		WindowSize   int                       `yaml:"window_size"`
		StaleAfter   int                       `yaml:"stale_after"`
		CommitAfter  int                       `yaml:"commit_after"`
		HistorySize  int                       `yaml:"history_size"`
		InitialLevel string                    `yaml:"initial_level"`
		Thresholds   map[string]LevelThreshold `yaml:"thresholds"`
		Profiles     map[string]Profile        `yaml:"profiles"`
	} `yaml:"quality"`

	Negotiation struct {
		MaxRetries int `yaml:"max_retries"`
	} `yaml:"negotiation"`

	Transcription struct {
		Mode       string       `yaml:"mode"` // websocket, rtp or both
		URL        string       `yaml:"url"`
		RTPAddress string       `yaml:"rtp_address"`
		QueueSize  int          `yaml:"queue_size"`
		Dial       retry.Config `yaml:"dial"`
		// Breaker pauses delivery to a sink that keeps failing.
		Breaker circuitbreaker.Config `yaml:"breaker"`
	} `yaml:"transcription"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string            `yaml:"level"`
		Format string            `yaml:"format"`
		File   logger.FileConfig `yaml:"file"`
	} `yaml:"logging"`

	Tracing tracing.Config `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

var (
	validLevels      = map[string]bool{"low": true, "medium": true, "high": true}
	validResolutions = map[string]bool{"180p": true, "360p": true, "720p": true}
	validModes       = map[string]bool{"websocket": true, "rtp": true, "both": true}
)

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Server.MaxCalls < 0 {
		return fmt.Errorf("server.max_calls must be >= 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if err := validation.ValidateURL(c.Signal.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("signal.url: %w", err)
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.ReadTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.read_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.MaxBitrateKbps < 0 {
		return fmt.Errorf("webrtc.max_bitrate_kbps must be >= 0")
	}

	// Audio
	if c.Audio.InputSampleRate < 16000 {
		return fmt.Errorf("audio.input_sample_rate must be >= 16000, got %d", c.Audio.InputSampleRate)
	}
	if c.Audio.FrameSize <= 0 {
		return fmt.Errorf("audio.frame_size must be > 0")
	}

	// Quality
	if c.Quality.Interval <= 0 {
		return fmt.Errorf("quality.interval must be > 0")
	}
	if c.Quality.PollTimeout <= 0 || c.Quality.PollTimeout > c.Quality.Interval {
		return fmt.Errorf("quality.poll_timeout must be in (0, quality.interval]")
	}
	if c.Quality.WindowSize <= 0 {
		return fmt.Errorf("quality.window_size must be > 0")
	}
	if c.Quality.StaleAfter <= 0 {
		return fmt.Errorf("quality.stale_after must be > 0")
	}
	if c.Quality.CommitAfter <= 0 {
		return fmt.Errorf("quality.commit_after must be > 0")
	}
	if !validLevels[c.Quality.InitialLevel] {
		return fmt.Errorf("quality.initial_level must be one of low, medium, high")
	}
	for name, t := range c.Quality.Thresholds {
		if name != "high" && name != "medium" {
			return fmt.Errorf("quality.thresholds: unknown level %q", name)
		}
		if t.MaxPacketLoss < 0 || t.MaxPacketLoss > 1 {
			return fmt.Errorf("quality.thresholds.%s.max_packet_loss must be within [0,1]", name)
		}
		if t.MaxRTTMs <= 0 {
			return fmt.Errorf("quality.thresholds.%s.max_rtt_ms must be > 0", name)
		}
	}
	if high, ok := c.Quality.Thresholds["high"]; ok {
		if medium, ok := c.Quality.Thresholds["medium"]; ok {
			if high.MaxPacketLoss > medium.MaxPacketLoss || high.MaxRTTMs > medium.MaxRTTMs {
				return fmt.Errorf("quality.thresholds.high must be stricter than medium")
			}
		}
	}
	for name, p := range c.Quality.Profiles {
		if !validLevels[name] {
			return fmt.Errorf("quality.profiles: unknown level %q", name)
		}
		if p.MaxBitrateKbps <= 0 {
			return fmt.Errorf("quality.profiles.%s.max_bitrate_kbps must be > 0", name)
		}
		if p.TargetFrameRate <= 0 {
			return fmt.Errorf("quality.profiles.%s.target_frame_rate must be > 0", name)
		}
		if !validResolutions[p.Resolution] {
			return fmt.Errorf("quality.profiles.%s.resolution must be one of 180p, 360p, 720p", name)
		}
	}

	// Negotiation
	if c.Negotiation.MaxRetries < 0 {
		return fmt.Errorf("negotiation.max_retries must be >= 0")
	}

	// Transcription
	if !validModes[c.Transcription.Mode] {
		return fmt.Errorf("transcription.mode must be one of websocket, rtp, both")
	}
	if c.Transcription.Mode != "rtp" {
		if err := validation.ValidateURL(c.Transcription.URL, "ws", "wss"); err != nil {
			return fmt.Errorf("transcription.url: %w", err)
		}
	}
	if c.Transcription.Mode != "websocket" {
		if err := validation.ValidateHostPort(c.Transcription.RTPAddress); err != nil {
			return fmt.Errorf("transcription.rtp_address: %w", err)
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}
	if c.Logging.File.Path != "" && c.Logging.File.MaxSizeMB <= 0 {
		return fmt.Errorf("logging.file.max_size_mb must be > 0 when a log file is set")
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within (0,1] when tracing is enabled")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.applyEnvOverrides(); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.MaxCalls = 0

	cfg.Signal.Address = ":8081"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.ReadTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 15 * time.Second
	cfg.Signal.BacklogSize = 64
	cfg.Signal.Dial = retry.DefaultConfig()

	cfg.WebRTC.MaxBitrateKbps = 2500

	cfg.Audio.InputSampleRate = 48000
	cfg.Audio.FrameSize = 640

	cfg.Quality.Interval = 2 * time.Second
	cfg.Quality.PollTimeout = 500 * time.Millisecond
	cfg.Quality.WindowSize = 5
	cfg.Quality.StaleAfter = 3
	cfg.Quality.CommitAfter = 2
	cfg.Quality.HistorySize = 100
	cfg.Quality.InitialLevel = "high"
	cfg.Quality.Thresholds = map[string]LevelThreshold{
		"high":   {MaxPacketLoss: 0.10, MaxRTTMs: 300},
		"medium": {MaxPacketLoss: 0.25, MaxRTTMs: 600},
	}
	cfg.Quality.Profiles = map[string]Profile{
		"high":   {MaxBitrateKbps: 1500, TargetFrameRate: 30, Resolution: "720p", VideoEnabled: true},
		"medium": {MaxBitrateKbps: 600, TargetFrameRate: 24, Resolution: "360p", VideoEnabled: true},
		"low":    {MaxBitrateKbps: 200, TargetFrameRate: 15, Resolution: "180p", VideoEnabled: true},
	}

	cfg.Negotiation.MaxRetries = 3

	cfg.Transcription.Mode = "websocket"
	cfg.Transcription.URL = "ws://localhost:9000/v1/stream"
	cfg.Transcription.RTPAddress = "127.0.0.1:5004"
	cfg.Transcription.QueueSize = 50
	cfg.Transcription.Dial = retry.DefaultConfig()
	cfg.Transcription.Breaker = circuitbreaker.DefaultConfig()

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File.MaxSizeMB = 100
	cfg.Logging.File.MaxBackups = 5
	cfg.Logging.File.MaxAgeDays = 14

	cfg.Tracing = tracing.DefaultConfig()

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(envPrefix + "SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv(envPrefix + "SIGNAL_ADDRESS"); v != "" {
		c.Signal.Address = v
	}
	if v := os.Getenv(envPrefix + "SIGNAL_URL"); v != "" {
		c.Signal.URL = v
	}
	if v := os.Getenv(envPrefix + "TRANSCRIPTION_URL"); v != "" {
		c.Transcription.URL = v
	}
	if v := os.Getenv(envPrefix + "TRANSCRIPTION_MODE"); v != "" {
		c.Transcription.Mode = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(envPrefix + "LOG_FILE"); v != "" {
		c.Logging.File.Path = v
	}
	if v := os.Getenv(envPrefix + "JAEGER_URL"); v != "" {
		c.Tracing.JaegerURL = v
		c.Tracing.Enabled = true
	}
	if v := os.Getenv(envPrefix + "INPUT_SAMPLE_RATE"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sINPUT_SAMPLE_RATE %q: %w", envPrefix, v, err)
		}
		c.Audio.InputSampleRate = rate
	}
	if v := os.Getenv(envPrefix + "MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_RETRIES %q: %w", envPrefix, v, err)
		}
		c.Negotiation.MaxRetries = n
	}
	return nil
}
