package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pairstream/pairstream/internal/logger"
	"gopkg.in/yaml.v3"
)

// VideoConfig holds the capture and composition video parameters
type VideoConfig struct {
	Width           int     `json:"width" yaml:"width"`
	Height          int     `json:"height" yaml:"height"`
	FPS             int     `json:"fps" yaml:"fps"`
	Layout          string  `json:"layout" yaml:"layout"`
	PiPCorner       string  `json:"pip_corner" yaml:"pip_corner"`
	PiPSizeFraction float64 `json:"pip_size_fraction" yaml:"pip_size_fraction"`
	PrimaryFraction float64 `json:"primary_fraction" yaml:"primary_fraction"`
	// DropThresholdMs is the slack beyond one frame interval before the
	// compositor sacrifices a frame to catch up.
	DropThresholdMs int `json:"drop_threshold_ms" yaml:"drop_threshold_ms"`
}

// AudioConfig holds the audio capture parameters
type AudioConfig struct {
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`
	Channels   int `json:"channels" yaml:"channels"`
}

// OutputConfig holds the recording output parameters
type OutputConfig struct {
	Directory      string `json:"directory" yaml:"directory"`
	Mode           string `json:"mode" yaml:"mode"`
	MinFreeBytes   int64  `json:"min_free_bytes" yaml:"min_free_bytes"`
	PartDurationMs int    `json:"part_duration_ms" yaml:"part_duration_ms"`
	JPEGQuality    int    `json:"jpeg_quality" yaml:"jpeg_quality"`
	PoolSize       int    `json:"pool_size" yaml:"pool_size"`
}

// QualityConfig holds the adaptive quality tuning knobs. The multipliers and
// timers are empirically tuned values, kept configurable rather than baked in.
type QualityConfig struct {
	WindowSize     int     `json:"window_size" yaml:"window_size"`
	EvalIntervalMs int     `json:"eval_interval_ms" yaml:"eval_interval_ms"`
	CooldownMs     int     `json:"cooldown_ms" yaml:"cooldown_ms"`
	Step           float64 `json:"step" yaml:"step"`
	Floor          float64 `json:"floor" yaml:"floor"`
	HighWatermark  float64 `json:"high_watermark" yaml:"high_watermark"`
	LowWatermark   float64 `json:"low_watermark" yaml:"low_watermark"`

	// External pressure monitoring (thermal / battery)
	MonitorEnabled  bool `json:"monitor_enabled" yaml:"monitor_enabled"`
	ThermalLimitC   int  `json:"thermal_limit_c" yaml:"thermal_limit_c"`
	BatteryFloorPct int  `json:"battery_floor_pct" yaml:"battery_floor_pct"`
	MonitorPollMs   int  `json:"monitor_poll_ms" yaml:"monitor_poll_ms"`
}

// Config is the full application configuration
type Config struct {
	Video      VideoConfig   `json:"video" yaml:"video"`
	Audio      AudioConfig   `json:"audio" yaml:"audio"`
	Output     OutputConfig  `json:"output" yaml:"output"`
	Quality    QualityConfig `json:"quality" yaml:"quality"`
	ServerPort int           `json:"server_port" yaml:"server_port"`
	LogLevel   string        `json:"log_level" yaml:"log_level"`
}

// Manager handles configuration loading, defaults, and persistence
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager. If configFile is empty the
// default path under the user config directory is used; a missing file is
// created with defaults.
func NewManager(configFile string) (*Manager, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".config", "pairstream")
	actualConfigPath := filepath.Join(configDir, "config.yaml")
	if configFile != "" {
		actualConfigPath = configFile
	}

	if err := os.MkdirAll(filepath.Dir(actualConfigPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{configPath: actualConfigPath}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config loaded")

	return m, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		Video: VideoConfig{
			Width:           1280,
			Height:          720,
			FPS:             30,
			Layout:          "side-by-side",
			PiPCorner:       "bottom-right",
			PiPSizeFraction: 0.3,
			PrimaryFraction: 0.75,
			DropThresholdMs: 50,
		},
		Audio: AudioConfig{
			SampleRate: 48000,
			Channels:   1,
		},
		Output: OutputConfig{
			Directory:      defaultOutputDir(),
			Mode:           "all",
			MinFreeBytes:   500 * 1024 * 1024,
			PartDurationMs: 1000,
			JPEGQuality:    90,
			PoolSize:       8,
		},
		Quality: QualityConfig{
			WindowSize:      60,
			EvalIntervalMs:  2000,
			CooldownMs:      5000,
			Step:            0.25,
			Floor:           0.5,
			HighWatermark:   1.5,
			LowWatermark:    0.5,
			MonitorEnabled:  false,
			ThermalLimitC:   75,
			BatteryFloorPct: 20,
			MonitorPollMs:   5000,
		},
		ServerPort: 8080,
		LogLevel:   "info",
	}
}

func defaultOutputDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "recordings"
	}
	return filepath.Join(homeDir, "pairstream", "recordings")
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		return fmt.Errorf("invalid video resolution %dx%d", c.Video.Width, c.Video.Height)
	}
	if c.Video.FPS <= 0 {
		return fmt.Errorf("invalid frame rate %d", c.Video.FPS)
	}
	if c.Audio.SampleRate <= 0 || c.Audio.Channels <= 0 {
		return fmt.Errorf("invalid audio format %dHz/%dch", c.Audio.SampleRate, c.Audio.Channels)
	}
	if c.Quality.Floor <= 0 || c.Quality.Floor > 1.0 {
		return fmt.Errorf("quality floor %v out of range (0, 1]", c.Quality.Floor)
	}
	if c.Quality.Step <= 0 {
		return fmt.Errorf("quality step must be positive")
	}
	return nil
}

// load reads the configuration from disk
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	m.mu.Lock()
	m.config.LogLevel = level
	m.mu.Unlock()
	return m.Save()
}

// SetPort sets the API server port
func (m *Manager) SetPort(port int) error {
	m.mu.Lock()
	m.config.ServerPort = port
	m.mu.Unlock()
	return m.Save()
}

// GetValue returns a configuration value by dotted key, for the CLI
func (m *Manager) GetValue(key string) (string, error) {
	cfg := m.Get()
	switch key {
	case "server_port":
		return strconv.Itoa(cfg.ServerPort), nil
	case "log_level":
		return cfg.LogLevel, nil
	case "video.layout":
		return cfg.Video.Layout, nil
	case "video.fps":
		return strconv.Itoa(cfg.Video.FPS), nil
	case "output.directory":
		return cfg.Output.Directory, nil
	case "output.mode":
		return cfg.Output.Mode, nil
	default:
		return "", fmt.Errorf("unknown config key: %s", key)
	}
}

// SetValue sets a configuration value by dotted key, for the CLI
func (m *Manager) SetValue(key, value string) error {
	m.mu.Lock()
	switch key {
	case "server_port":
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 {
			m.mu.Unlock()
			return fmt.Errorf("invalid port: %s", value)
		}
		m.config.ServerPort = port
	case "log_level":
		m.config.LogLevel = value
	case "video.layout":
		m.config.Video.Layout = value
	case "video.fps":
		fps, err := strconv.Atoi(value)
		if err != nil || fps <= 0 {
			m.mu.Unlock()
			return fmt.Errorf("invalid fps: %s", value)
		}
		m.config.Video.FPS = fps
	case "output.directory":
		m.config.Output.Directory = value
	case "output.mode":
		m.config.Output.Mode = value
	default:
		m.mu.Unlock()
		return fmt.Errorf("unknown config key: %s", key)
	}
	m.mu.Unlock()
	return m.Save()
}
