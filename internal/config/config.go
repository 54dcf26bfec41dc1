package config

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/loykin/procmaster/internal/logger"
	"github.com/loykin/procmaster/internal/respawn"
)

// EnvPrefix prefixes environment overrides, e.g. PROCMASTER_LISTENER_PORT.
const EnvPrefix = "PROCMASTER"

// Config is the top-level TOML structure.
//
//	[listener]
//	address = "127.0.0.1"
//	port = 0
//
//	[server_manager]
//	command = ["java", "-jar", "server-manager.jar"]
//
//	[[processes]]
//	name = "Server:one"
//	command = ["java", "-server", "-jar", "server.jar"]
//	autostart = true
//	respawn = { policy = "ratelimit", limit = 5, period = "1m" }
type Config struct {
	Listener      ListenerConfig      `mapstructure:"listener" toml:"listener"`
	Supervisor    SupervisorConfig    `mapstructure:"supervisor" toml:"supervisor"`
	ServerManager ServerManagerConfig `mapstructure:"server_manager" toml:"server_manager"`
	Log           logger.Config       `mapstructure:"log" toml:"log"`
	HTTP          HTTPConfig          `mapstructure:"http" toml:"http"`
	History       HistoryConfig       `mapstructure:"history" toml:"history"`
	// LockFile guards against two masters sharing one configuration.
	LockFile string `mapstructure:"lock_file" toml:"lock_file"`
	// UseOSEnv makes launched processes inherit the master's environment.
	UseOSEnv bool `mapstructure:"use_os_env" toml:"use_os_env"`
	// Env holds KEY=VALUE pairs applied to every launched process.
	Env       []string     `mapstructure:"env" toml:"env"`
	Processes []ProcConfig `mapstructure:"processes" toml:"processes"`
}

type ListenerConfig struct {
	Address          string        `mapstructure:"address" toml:"address"`
	Port             int           `mapstructure:"port" toml:"port"`
	Backlog          int           `mapstructure:"backlog" toml:"backlog"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" toml:"handshake_timeout"`
}

type SupervisorConfig struct {
	StopTimeout     time.Duration `mapstructure:"stop_timeout" toml:"stop_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" toml:"shutdown_timeout"`
}

// ServerManagerConfig describes the distinguished process started by serve.
// An empty Command means no server manager is launched.
type ServerManagerConfig struct {
	Command []string `mapstructure:"command" toml:"command"`
	WorkDir string   `mapstructure:"work_dir" toml:"work_dir"`
	Env     []string `mapstructure:"env" toml:"env"`
	Address string   `mapstructure:"address" toml:"address"`
	Port    int      `mapstructure:"port" toml:"port"`
}

type HTTPConfig struct {
	Enabled  bool   `mapstructure:"enabled" toml:"enabled"`
	Listen   string `mapstructure:"listen" toml:"listen"`
	BasePath string `mapstructure:"base_path" toml:"base_path"`
}

// HistoryConfig lists sink DSNs, see factory.NewSinkFromDSN.
type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns" toml:"dsns"`
}

type ProcConfig struct {
	Name    string   `mapstructure:"name" toml:"name"`
	Command []string `mapstructure:"command" toml:"command"`
	WorkDir string   `mapstructure:"work_dir" toml:"work_dir"`
	// Env entries are KEY=VALUE; viper would lowercase map keys.
	Env       []string      `mapstructure:"env" toml:"env,omitempty"`
	Autostart bool          `mapstructure:"autostart" toml:"autostart"`
	Respawn   RespawnConfig `mapstructure:"respawn" toml:"respawn"`
}

// EnvMap returns Env as a map.
func (p ProcConfig) EnvMap() map[string]string { return EnvMap(p.Env) }

type RespawnConfig struct {
	Policy  string          `mapstructure:"policy" toml:"policy"`
	Backoff []time.Duration `mapstructure:"backoff" toml:"backoff,omitempty"`
	Limit   int             `mapstructure:"limit" toml:"limit,omitempty"`
	Period  time.Duration   `mapstructure:"period" toml:"period,omitempty"`
}

// BuildPolicy turns the respawn section into a policy.
func (r RespawnConfig) BuildPolicy() (respawn.Policy, error) {
	return respawn.Parse(r.Policy, respawn.Options{Backoff: r.Backoff, Limit: r.Limit, Period: r.Period})
}

// Equal reports whether two process entries launch the same thing.
func (p ProcConfig) Equal(o ProcConfig) bool { return reflect.DeepEqual(p, o) }

// SetDefaults installs default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listener.address", "127.0.0.1")
	v.SetDefault("listener.port", 0)
	v.SetDefault("listener.backlog", 20)
	v.SetDefault("listener.handshake_timeout", 10*time.Second)
	v.SetDefault("supervisor.stop_timeout", 30*time.Second)
	v.SetDefault("supervisor.shutdown_timeout", 60*time.Second)
	v.SetDefault("server_manager.address", "127.0.0.1")
	v.SetDefault("server_manager.port", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("http.listen", "127.0.0.1:8080")
	v.SetDefault("http.base_path", "/api")
	v.SetDefault("use_os_env", true)
}

// NewViper returns a viper instance with defaults and PROCMASTER_ env
// overrides. Flags may be bound to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path into v, when path is not empty, and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile reads a config file with defaults and env overrides applied.
func LoadFile(path string) (*Config, error) {
	return Load(NewViper(), path)
}

// Validate checks what the manager cannot recover from at runtime.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Processes))
	for i, p := range c.Processes {
		if p.Name == "" {
			return errors.Errorf("processes[%d]: name is required", i)
		}
		if len(p.Command) == 0 {
			return errors.Errorf("process %s: command is required", p.Name)
		}
		if seen[p.Name] {
			return errors.Errorf("process %s: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if _, err := p.Respawn.BuildPolicy(); err != nil {
			return errors.Wrapf(err, "process %s", p.Name)
		}
	}
	if err := checkEnv("env", c.Env); err != nil {
		return err
	}
	if err := checkEnv("server_manager.env", c.ServerManager.Env); err != nil {
		return err
	}
	for _, p := range c.Processes {
		if err := checkEnv("process "+p.Name+" env", p.Env); err != nil {
			return err
		}
	}
	if c.Listener.Port < 0 || c.Listener.Port > 65535 {
		return errors.Errorf("listener port %d out of range", c.Listener.Port)
	}
	return nil
}

func checkEnv(where string, kvs []string) error {
	for _, kv := range kvs {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return errors.Errorf("%s: entry %q is not KEY=VALUE", where, kv)
		}
	}
	return nil
}

// EnvMap converts KEY=VALUE entries to a map; later entries win.
func EnvMap(kvs []string) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}

// Marshal renders the effective configuration as TOML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(c); err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	return buf.Bytes(), nil
}

// ProcessDiff is the outcome of comparing two process lists.
type ProcessDiff struct {
	Added   []ProcConfig
	Removed []string
	Changed []ProcConfig
}

func (d ProcessDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffProcesses compares the process lists of two configurations, keyed by
// name. Results keep the order of the lists they come from.
func DiffProcesses(old, next []ProcConfig) ProcessDiff {
	var d ProcessDiff
	prev := make(map[string]ProcConfig, len(old))
	for _, p := range old {
		prev[p.Name] = p
	}
	kept := make(map[string]bool, len(next))
	for _, p := range next {
		kept[p.Name] = true
		o, ok := prev[p.Name]
		switch {
		case !ok:
			d.Added = append(d.Added, p)
		case !o.Equal(p):
			d.Changed = append(d.Changed, p)
		}
	}
	for _, p := range old {
		if !kept[p.Name] {
			d.Removed = append(d.Removed, p.Name)
		}
	}
	return d
}

// WriteExample writes a commented starter configuration to path unless it
// already exists.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("%s already exists", path)
	}
	return errors.Wrap(os.WriteFile(path, []byte(exampleConfig), 0o644), "write example config")
}

const exampleConfig = `# procmaster configuration

[listener]
address = "127.0.0.1"
port = 0
handshake_timeout = "10s"

[supervisor]
stop_timeout = "30s"
shutdown_timeout = "60s"

[server_manager]
# command = ["java", "-jar", "server-manager.jar"]
address = "127.0.0.1"
port = 0

[log]
level = "info"
format = "text"

[http]
enabled = false
listen = "127.0.0.1:8080"
base_path = "/api"

[history]
# dsns = ["sqlite:///var/lib/procmaster/history.db"]

# [[processes]]
# name = "Server:one"
# command = ["java", "-server", "-jar", "server.jar"]
# autostart = true
# respawn = { policy = "ratelimit", limit = 5, period = "1m" }
`
