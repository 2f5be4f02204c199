package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/maggmcp/magg/pkg/magg"
)

// WatchMode controls how the config watcher detects catalog changes.
type WatchMode string

const (
	// WatchAuto tries file-system notifications first and falls back to
	// polling when the notification backend cannot be started.
	WatchAuto WatchMode = "auto"

	// WatchOn forces file-system notifications; startup fails when they
	// are unavailable.
	WatchOn WatchMode = "on"

	// WatchOff disables file-system notifications; polling only.
	WatchOff WatchMode = "off"
)

// Settings is the process-level configuration read from the environment.
// All variables use the MAGG_ prefix.
type Settings struct {
	// ConfigPath is the catalog file location.
	ConfigPath string

	// KitPaths are the kit.d directories searched for kit files.
	KitPaths []string

	// AutoReload enables the config watcher.
	AutoReload bool

	// ReloadPollInterval is the mtime poll cadence when file-system
	// notifications are unavailable or disabled.
	ReloadPollInterval time.Duration

	// ReloadUseWatchdog selects the watch mode (on/off/auto).
	ReloadUseWatchdog WatchMode

	// ReadOnly refuses catalog writes at the store boundary while still
	// allowing in-memory reloads.
	ReadOnly bool

	// SelfPrefix namespaces the aggregator's own admin tools.
	SelfPrefix string

	// PrefixSep joins prefixes and local capability names.
	PrefixSep string

	// ShowStderr forwards child-process stderr to the aggregator log
	// instead of discarding it.
	ShowStderr bool

	// EnvInherit overlays each stdio subprocess's configured environment
	// on the aggregator's own instead of passing it alone.
	EnvInherit bool

	// PrivateKey overrides the auth private key file when non-empty.
	PrivateKey string

	// JWT is the client-side bearer token used when connecting to
	// HTTP backends that require it.
	JWT string

	// LogRatePerSecond and LogBurst bound log-kind notification
	// forwarding per backend.
	LogRatePerSecond float64
	LogBurst         int
}

// LoadSettings reads process settings from the environment via viper.
func LoadSettings() *Settings {
	v := viper.New()
	v.SetEnvPrefix("magg")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("config_path", defaultConfigPath())
	v.SetDefault("kit_path", "")
	v.SetDefault("auto_reload", true)
	v.SetDefault("reload_poll_interval", 1.0)
	v.SetDefault("reload_use_watchdog", string(WatchAuto))
	v.SetDefault("read_only", false)
	v.SetDefault("self_prefix", magg.DefaultSelfPrefix)
	v.SetDefault("prefix_sep", magg.DefaultSeparator)
	v.SetDefault("stderr_show", false)
	v.SetDefault("env_inherit", false)
	v.SetDefault("log_rate", 10.0)
	v.SetDefault("log_burst", 20)

	s := &Settings{
		ConfigPath:         v.GetString("config_path"),
		AutoReload:         v.GetBool("auto_reload"),
		ReloadPollInterval: time.Duration(v.GetFloat64("reload_poll_interval") * float64(time.Second)),
		ReloadUseWatchdog:  parseWatchMode(v.GetString("reload_use_watchdog")),
		ReadOnly:           v.GetBool("read_only"),
		SelfPrefix:         v.GetString("self_prefix"),
		PrefixSep:          v.GetString("prefix_sep"),
		ShowStderr:         v.GetBool("stderr_show"),
		EnvInherit:         v.GetBool("env_inherit"),
		PrivateKey:         v.GetString("private_key"),
		JWT:                v.GetString("jwt"),
		LogRatePerSecond:   v.GetFloat64("log_rate"),
		LogBurst:           v.GetInt("log_burst"),
	}

	if kitPath := v.GetString("kit_path"); kitPath != "" {
		s.KitPaths = filepath.SplitList(kitPath)
	} else {
		s.KitPaths = []string{filepath.Join(filepath.Dir(s.ConfigPath), "kit.d")}
	}

	return s
}

func parseWatchMode(raw string) WatchMode {
	switch WatchMode(strings.ToLower(raw)) {
	case WatchOn:
		return WatchOn
	case WatchOff:
		return WatchOff
	default:
		return WatchAuto
	}
}

func defaultConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return filepath.Join(cwd, ".magg", "config.json")
}
