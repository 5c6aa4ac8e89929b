package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// GlobalConfigFile is the config file name under the XDG config dir.
const GlobalConfigFile = "config.kdl"

// KDLConfig mirrors the config file structure. Uses kdl struct tags for
// unmarshaling; zero values mean "not set, keep the default".
type KDLConfig struct {
	Backend KDLBackend `kdl:"backend"`
	Panel   KDLPanel   `kdl:"panel"`
	Browser KDLBrowser `kdl:"browser"`
	Console KDLConsole `kdl:"console"`
}

// KDLBackend holds the backend connection settings.
type KDLBackend struct {
	URL            string `kdl:"url"`
	ReconnectDelay int    `kdl:"reconnect-delay"`
	MaxAttempts    int    `kdl:"max-attempts"`
	Keepalive      int    `kdl:"keepalive"`
	DialTimeout    int    `kdl:"dial-timeout"`
	RequestTimeout int    `kdl:"request-timeout"`
}

// KDLPanel holds the panel server settings.
type KDLPanel struct {
	Addr string `kdl:"addr"`
}

// KDLBrowser holds the DevTools attachment settings.
type KDLBrowser struct {
	DevToolsURL string `kdl:"devtools-url"`
	Headless    bool   `kdl:"headless"`
	CallTimeout int    `kdl:"call-timeout"`
}

// KDLConsole holds the console capture settings.
type KDLConsole struct {
	RingCapacity  int `kdl:"ring-capacity"`
	SettleDelayMS int `kdl:"settle-delay-ms"`
}

// LoadGlobalConfig loads configuration from the default location, falling
// back to defaults when no file exists.
func LoadGlobalConfig() (*Config, error) {
	path := GlobalConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadConfigFile(path)
}

// LoadConfigFile loads configuration from a specific file path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseKDLConfig(string(data))
}

// ParseKDLConfig parses KDL configuration data over the defaults.
func ParseKDLConfig(data string) (*Config, error) {
	var kdlCfg KDLConfig
	if err := kdl.Unmarshal([]byte(data), &kdlCfg); err != nil {
		return nil, err
	}
	return kdlConfigToConfig(&kdlCfg), nil
}

func kdlConfigToConfig(kdlCfg *KDLConfig) *Config {
	cfg := DefaultConfig()

	if kdlCfg.Backend.URL != "" {
		cfg.BackendURL = kdlCfg.Backend.URL
	}
	if kdlCfg.Backend.ReconnectDelay > 0 {
		cfg.ReconnectDelay = time.Duration(kdlCfg.Backend.ReconnectDelay) * time.Second
	}
	if kdlCfg.Backend.MaxAttempts > 0 {
		cfg.MaxAttempts = kdlCfg.Backend.MaxAttempts
	}
	if kdlCfg.Backend.Keepalive > 0 {
		cfg.Keepalive = time.Duration(kdlCfg.Backend.Keepalive) * time.Second
	}
	if kdlCfg.Backend.DialTimeout > 0 {
		cfg.DialTimeout = time.Duration(kdlCfg.Backend.DialTimeout) * time.Second
	}
	if kdlCfg.Backend.RequestTimeout > 0 {
		cfg.RequestTimeout = time.Duration(kdlCfg.Backend.RequestTimeout) * time.Second
	}

	if kdlCfg.Panel.Addr != "" {
		cfg.PanelAddr = kdlCfg.Panel.Addr
	}

	if kdlCfg.Browser.DevToolsURL != "" {
		cfg.DevToolsURL = kdlCfg.Browser.DevToolsURL
	}
	cfg.Headless = kdlCfg.Browser.Headless
	if kdlCfg.Browser.CallTimeout > 0 {
		cfg.CallTimeout = time.Duration(kdlCfg.Browser.CallTimeout) * time.Second
	}

	if kdlCfg.Console.RingCapacity > 0 {
		cfg.RingCapacity = kdlCfg.Console.RingCapacity
	}
	if kdlCfg.Console.SettleDelayMS > 0 {
		cfg.SettleDelay = time.Duration(kdlCfg.Console.SettleDelayMS) * time.Millisecond
	}

	return cfg
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "tabbridge", GlobalConfigFile)
}

// WriteDefaultConfig writes a documented default config file.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// tabbridge Configuration

backend {
    url "ws://127.0.0.1:8765/bridge"
    // Seconds between reconnect attempts
    reconnect-delay 3
    // Attempts before giving up; resume with a manual reconnect
    max-attempts 10
    // Keepalive probe interval in seconds
    keepalive 15
    dial-timeout 5
    // End-to-end budget for one browser request in seconds
    request-timeout 30
}

panel {
    addr "127.0.0.1:8766"
}

browser {
    // DevTools endpoint of a browser started with --remote-debugging-port
    devtools-url "ws://127.0.0.1:9222"
    // Launch an owned headless browser instead of attaching
    headless false
    call-timeout 10
}

console {
    // Per-tab record cap; oldest entries are evicted
    ring-capacity 500
    settle-delay-ms 300
}
`
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.TrimSpace(defaultKDL)+"\n"), 0644)
}
