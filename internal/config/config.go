package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"mdvr/internal/types"
)

// Config represents the recorder configuration. Keys follow the data_config
// layout used on deployed units.
type Config struct {
	// Cameras, in filename index order
	CameraList []string `mapstructure:"camera_list" yaml:"camera_list"`

	ProgramOptions ProgramOptions `mapstructure:"program_options" yaml:"program_options"`
	RTSPOptions    RTSPOptions    `mapstructure:"rtsp_options" yaml:"rtsp_options"`
	VideoOptions   VideoOptions   `mapstructure:"video_options" yaml:"video_options"`

	// Seconds between photos in cycle mode
	PhotoTimeout int `mapstructure:"photo_timeout" yaml:"photo_timeout"`

	ReedSwitch ReedSwitchConfig `mapstructure:"reed_switch" yaml:"reed_switch"`
	FTP        FTPConfig        `mapstructure:"ftp" yaml:"ftp"`
	Paths      PathsConfig      `mapstructure:"paths" yaml:"paths"`
	API        APIConfig        `mapstructure:"api" yaml:"api"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogFile  string `mapstructure:"log_file" yaml:"log_file"`

	// Capture process configuration
	FFmpegPath   string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

// ProgramOptions selects what the recorder writes and how much it keeps
type ProgramOptions struct {
	PhotoMode         bool    `mapstructure:"photo_mode" yaml:"photo_mode"`
	WriteMode         string  `mapstructure:"write_mode" yaml:"write_mode"` // video, photo
	SizeFolderLimitGB float64 `mapstructure:"size_folder_limit_gb" yaml:"size_folder_limit_gb"`
	IMEI              string  `mapstructure:"imei" yaml:"imei"`
}

// RTSPOptions configures the camera input side of ffmpeg
type RTSPOptions struct {
	Transport     string `mapstructure:"rtsp_transport" yaml:"rtsp_transport"`
	ResolutionX   int    `mapstructure:"rtsp_resolution_x" yaml:"rtsp_resolution_x"`
	ResolutionY   int    `mapstructure:"rtsp_resolution_y" yaml:"rtsp_resolution_y"`
	SocketTimeout int    `mapstructure:"socket_timeout" yaml:"socket_timeout"` // seconds
}

// VideoOptions configures video encoding
type VideoOptions struct {
	FPS           float64 `mapstructure:"fps" yaml:"fps"`
	VideoDuration int     `mapstructure:"video_duration" yaml:"video_duration"` // seconds per cycle
	// Non-zero ffmpeg exit codes that still count as a completed capture
	ExpectedExitCodes []int `mapstructure:"expected_exit_codes" yaml:"expected_exit_codes"`
}

// ReedSwitchConfig configures the door sensor and the gate
type ReedSwitchConfig struct {
	Impulse       bool `mapstructure:"impulse" yaml:"impulse"`
	DoorSensorPin int  `mapstructure:"door_sensor_pin" yaml:"door_sensor_pin"`
	ButtonAPin    int  `mapstructure:"button_a_pin" yaml:"button_a_pin"`
	ButtonBPin    int  `mapstructure:"button_b_pin" yaml:"button_b_pin"`
	// Seconds an Open reading must persist before recording stops
	RSTimeout    int `mapstructure:"rs_timeout" yaml:"rs_timeout"`
	DebounceMs   int `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	EdgeBounceMs int `mapstructure:"edge_bounce_ms" yaml:"edge_bounce_ms"`
	// Autostop for activations from the command line, 0 disables it
	AutostopSeconds int `mapstructure:"autostop_seconds" yaml:"autostop_seconds"`
	// Autostop for activations through the HTTP API
	APIAutostopSeconds int `mapstructure:"api_autostop_seconds" yaml:"api_autostop_seconds"`
}

// FTPConfig configures the material uploader
type FTPConfig struct {
	Server   string `mapstructure:"server" yaml:"server"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"-"`
	CarName  string `mapstructure:"car_name" yaml:"car_name"`
	Timeout  int    `mapstructure:"timeout" yaml:"timeout"` // seconds
}

// PathsConfig holds the working directories
type PathsConfig struct {
	TempDir      string `mapstructure:"temp_dir" yaml:"temp_dir"`
	MaterialsDir string `mapstructure:"materials_dir" yaml:"materials_dir"`
	JournalPath  string `mapstructure:"journal_path" yaml:"journal_path"`
}

// APIConfig configures the local status API
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		CameraList: []string{},
		ProgramOptions: ProgramOptions{
			PhotoMode:         false,
			WriteMode:         "",
			SizeFolderLimitGB: 1,
		},
		RTSPOptions: RTSPOptions{
			Transport:     "tcp",
			ResolutionX:   1280,
			ResolutionY:   720,
			SocketTimeout: 15,
		},
		VideoOptions: VideoOptions{
			FPS:               15,
			VideoDuration:     300,
			ExpectedExitCodes: []int{255, 130},
		},
		PhotoTimeout: 60,
		ReedSwitch: ReedSwitchConfig{
			Impulse:            false,
			DoorSensorPin:      16,
			ButtonAPin:         20,
			ButtonBPin:         21,
			RSTimeout:          60,
			DebounceMs:         500,
			EdgeBounceMs:       75,
			AutostopSeconds:    0,
			APIAutostopSeconds: 180,
		},
		FTP: FTPConfig{
			Port:    21,
			Timeout: 30,
		},
		Paths: PathsConfig{
			TempDir:      "./temp",
			MaterialsDir: "./materials",
			JournalPath:  "./mdvr.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		LogLevel:     "info",
		LogFile:      "",
		FFmpegPath:   "ffmpeg",
		TickInterval: 100 * time.Millisecond,
		StopTimeout:  5 * time.Second,
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()

	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("data_config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/mdvr")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".mdvr"))
		}
	}

	v.SetEnvPrefix("MDVR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("camera_list", cfg.CameraList)

	v.SetDefault("program_options.photo_mode", cfg.ProgramOptions.PhotoMode)
	v.SetDefault("program_options.write_mode", cfg.ProgramOptions.WriteMode)
	v.SetDefault("program_options.size_folder_limit_gb", cfg.ProgramOptions.SizeFolderLimitGB)
	v.SetDefault("program_options.imei", cfg.ProgramOptions.IMEI)

	v.SetDefault("rtsp_options.rtsp_transport", cfg.RTSPOptions.Transport)
	v.SetDefault("rtsp_options.rtsp_resolution_x", cfg.RTSPOptions.ResolutionX)
	v.SetDefault("rtsp_options.rtsp_resolution_y", cfg.RTSPOptions.ResolutionY)
	v.SetDefault("rtsp_options.socket_timeout", cfg.RTSPOptions.SocketTimeout)

	v.SetDefault("video_options.fps", cfg.VideoOptions.FPS)
	v.SetDefault("video_options.video_duration", cfg.VideoOptions.VideoDuration)
	v.SetDefault("video_options.expected_exit_codes", cfg.VideoOptions.ExpectedExitCodes)

	v.SetDefault("photo_timeout", cfg.PhotoTimeout)

	v.SetDefault("reed_switch.impulse", cfg.ReedSwitch.Impulse)
	v.SetDefault("reed_switch.door_sensor_pin", cfg.ReedSwitch.DoorSensorPin)
	v.SetDefault("reed_switch.button_a_pin", cfg.ReedSwitch.ButtonAPin)
	v.SetDefault("reed_switch.button_b_pin", cfg.ReedSwitch.ButtonBPin)
	v.SetDefault("reed_switch.rs_timeout", cfg.ReedSwitch.RSTimeout)
	v.SetDefault("reed_switch.debounce_ms", cfg.ReedSwitch.DebounceMs)
	v.SetDefault("reed_switch.edge_bounce_ms", cfg.ReedSwitch.EdgeBounceMs)
	v.SetDefault("reed_switch.autostop_seconds", cfg.ReedSwitch.AutostopSeconds)
	v.SetDefault("reed_switch.api_autostop_seconds", cfg.ReedSwitch.APIAutostopSeconds)

	v.SetDefault("ftp.server", cfg.FTP.Server)
	v.SetDefault("ftp.port", cfg.FTP.Port)
	v.SetDefault("ftp.user", cfg.FTP.User)
	v.SetDefault("ftp.password", cfg.FTP.Password)
	v.SetDefault("ftp.car_name", cfg.FTP.CarName)
	v.SetDefault("ftp.timeout", cfg.FTP.Timeout)

	v.SetDefault("paths.temp_dir", cfg.Paths.TempDir)
	v.SetDefault("paths.materials_dir", cfg.Paths.MaterialsDir)
	v.SetDefault("paths.journal_path", cfg.Paths.JournalPath)

	v.SetDefault("api.enabled", cfg.API.Enabled)
	v.SetDefault("api.listen", cfg.API.Listen)

	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("ffmpeg_path", cfg.FFmpegPath)
	v.SetDefault("tick_interval", cfg.TickInterval)
	v.SetDefault("stop_timeout", cfg.StopTimeout)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	for i, uri := range c.CameraList {
		if strings.TrimSpace(uri) == "" {
			return fmt.Errorf("camera_list[%d] is empty", i)
		}
	}

	if c.ProgramOptions.WriteMode != "" && !types.IsValidCaptureMode(c.ProgramOptions.WriteMode) {
		return fmt.Errorf("program_options.write_mode must be one of: video, photo")
	}

	if c.ProgramOptions.SizeFolderLimitGB <= 0 {
		return fmt.Errorf("program_options.size_folder_limit_gb must be positive")
	}

	if c.RTSPOptions.Transport != "tcp" && c.RTSPOptions.Transport != "udp" {
		return fmt.Errorf("rtsp_options.rtsp_transport must be one of: tcp, udp")
	}

	if c.VideoOptions.FPS <= 0 {
		return fmt.Errorf("video_options.fps must be positive")
	}

	if c.VideoOptions.VideoDuration <= 0 {
		return fmt.Errorf("video_options.video_duration must be positive")
	}

	if c.PhotoTimeout <= 0 {
		return fmt.Errorf("photo_timeout must be positive")
	}

	if c.ReedSwitch.RSTimeout < 0 {
		return fmt.Errorf("reed_switch.rs_timeout must not be negative")
	}

	if c.ReedSwitch.AutostopSeconds < 0 || c.ReedSwitch.APIAutostopSeconds < 0 {
		return fmt.Errorf("reed_switch autostop must not be negative")
	}

	if c.ReedSwitch.Impulse && c.ReedSwitch.ButtonAPin == c.ReedSwitch.ButtonBPin {
		return fmt.Errorf("reed_switch.button_a_pin and button_b_pin must differ")
	}

	if c.Paths.TempDir == "" || c.Paths.MaterialsDir == "" {
		return fmt.Errorf("paths.temp_dir and paths.materials_dir are required")
	}

	if filepath.Clean(c.Paths.TempDir) == filepath.Clean(c.Paths.MaterialsDir) {
		return fmt.Errorf("paths.temp_dir and paths.materials_dir must differ")
	}

	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}

	if c.StopTimeout <= 0 {
		return fmt.Errorf("stop_timeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	return nil
}

// CaptureMode returns the configured capture mode. write_mode wins over
// the legacy photo_mode flag.
func (c *Config) CaptureMode() types.CaptureMode {
	if c.ProgramOptions.WriteMode != "" {
		return types.CaptureMode(c.ProgramOptions.WriteMode)
	}
	if c.ProgramOptions.PhotoMode {
		return types.CaptureModePhoto
	}
	return types.CaptureModeVideo
}

// Targets converts the camera list to capture targets
func (c *Config) Targets() []types.CaptureTarget {
	return types.TargetsFromURIs(c.CameraList, c.CaptureMode())
}

// ByteLimit returns the materials size ceiling in bytes (decimal gigabytes)
func (c *Config) ByteLimit() int64 {
	return int64(c.ProgramOptions.SizeFolderLimitGB * 1e9)
}

// RSTimeout returns how long an Open reading must persist before a stop
func (c *Config) RSTimeout() time.Duration {
	return time.Duration(c.ReedSwitch.RSTimeout) * time.Second
}

// DebounceWindow returns the Armed confirmation delay
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.ReedSwitch.DebounceMs) * time.Millisecond
}

// EdgeBounce returns the software bounce filter for impulse buttons
func (c *Config) EdgeBounce() time.Duration {
	return time.Duration(c.ReedSwitch.EdgeBounceMs) * time.Millisecond
}

// PinName converts a BCM pin number to its GPIO name
func PinName(bcm int) string {
	return fmt.Sprintf("GPIO%d", bcm)
}

// FTPAddress returns host:port for the uploader
func (c *Config) FTPAddress() string {
	return fmt.Sprintf("%s:%d", c.FTP.Server, c.FTP.Port)
}
