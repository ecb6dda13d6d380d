// Package config loads the controller's configuration once at startup into
// a Config value, backed by a spf13/viper instance that accepts environment
// variables and, when a config file is present, watches it via fsnotify and
// signals each change on a channel. The returned Config is not updated when
// the file changes.
package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the resolved, process-wide configuration.
type Config struct {
	Port        string `mapstructure:"port"`
	Environment string `mapstructure:"environment"`
	FrontendURL string `mapstructure:"frontend_url"`
	LogLevel    string `mapstructure:"log_level"`

	// MockOfflineDevices seeds a handful of synthetic offline devices at
	// startup, opt-in, for demo environments with no real hardware attached.
	MockOfflineDevices bool `mapstructure:"mock_offline_devices"`

	DriverBasePort  int           `mapstructure:"driver_base_port"`
	DriverPortRange int           `mapstructure:"driver_port_range"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`

	// MirrorFPSCeiling is the uniform screen-mirror pacing ceiling; see
	// DESIGN.md for why a single conservative ceiling was chosen over a
	// per-request one.
	MirrorFPSCeiling int `mapstructure:"mirror_fps_ceiling"`

	// ReservationReaperEnabled turns on the optional periodic deadline
	// reaper.
	ReservationReaperEnabled bool `mapstructure:"reservation_reaper_enabled"`

	// IOSReadySentinel, alongside the fixed Android sentinel, lets the
	// supervisor's ready-watcher tolerate an iOS driver's own startup
	// banner.
	IOSReadySentinel string `mapstructure:"ios_ready_sentinel"`

	// DriverBinaryPath is the automation-driver executable the supervisor
	// spawns one child of per device (an Appium-compatible server binary).
	DriverBinaryPath string `mapstructure:"driver_binary_path"`

	// IOSAutomationDriverPath is the optional point-coordinate driver CLI
	// IOSAdapter prefers for tap/swipe/drag/key/text on simulators; when
	// empty, tap/swipe/drag use the legacy simctl sendevent fallback and
	// key events and text input are unsupported.
	IOSAutomationDriverPath string `mapstructure:"ios_automation_driver_path"`

	// UploadDir stages app binaries uploaded through the install-app route
	// before handing their path to a platform adapter.
	UploadDir string `mapstructure:"upload_dir"`

	LogFilePath string `mapstructure:"log_file_path"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("port", "5000")
	v.SetDefault("environment", "development")
	v.SetDefault("frontend_url", "*")
	v.SetDefault("log_level", "info")
	v.SetDefault("mock_offline_devices", false)
	v.SetDefault("driver_base_port", 4723)
	v.SetDefault("driver_port_range", 100)
	v.SetDefault("discovery_interval", 30*time.Second)
	v.SetDefault("mirror_fps_ceiling", 5)
	v.SetDefault("reservation_reaper_enabled", false)
	v.SetDefault("ios_ready_sentinel", "WebDriverAgent started successfully")
	v.SetDefault("driver_binary_path", "appium")
	v.SetDefault("ios_automation_driver_path", "")
	v.SetDefault("upload_dir", "./uploads")
	v.SetDefault("log_file_path", "")
}

// Load resolves configuration from (in ascending priority) defaults, an
// optional config file at configPath, and environment variables. If
// configPath is non-empty and exists, changes to it are watched and
// delivered on the returned channel (nil channel if no file was loaded).
func Load(configPath string) (*Config, <-chan struct{}, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("LABCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Also honor the bare, unprefixed env var names a lot of deploy
	// tooling already sets: PORT, NODE_ENV, FRONTEND_URL, LOG_LEVEL.
	bindBareEnv(v)

	var changed chan struct{}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, nil, err
			}
		} else {
			changed = make(chan struct{}, 1)
			v.OnConfigChange(func(fsnotify.Event) {
				select {
				case changed <- struct{}{}:
				default:
				}
			})
			v.WatchConfig()
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, changed, nil
}

func bindBareEnv(v *viper.Viper) {
	pairs := map[string]string{
		"port":         "PORT",
		"environment":  "NODE_ENV",
		"frontend_url": "FRONTEND_URL",
		"log_level":    "LOG_LEVEL",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload runs Load again for configPath and returns the fresh Config, for
// callers that watch the change channel returned by Load and want a new
// snapshot.
func Reload(configPath string) (*Config, error) {
	cfg, _, err := Load(configPath)
	return cfg, err
}
