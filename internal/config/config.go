package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/kicadipc/pkg/ipcerr"
)

const (
	EnvSocket = "KICAD_API_SOCKET"
	EnvToken  = "KICAD_API_TOKEN"
	EnvConfig = "KICAD_IPC_CONFIG"

	DefaultTimeout         = 3000 * time.Millisecond
	DefaultQueueCapacity   = 64
	DefaultShutdownTimeout = 5 * time.Second
)

// Config is the resolved client configuration.
type Config struct {
	Socket          string
	Token           string
	ClientName      string
	Timeout         time.Duration
	QueueCapacity   int
	EnqueueTimeout  time.Duration
	ShutdownTimeout time.Duration

	// TLS files, used only by wss:// endpoints.
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
	TLSInsecure bool
}

type fileConfig struct {
	Socket          string `toml:"socket"`
	Token           string `toml:"token"`
	ClientName      string `toml:"client_name"`
	Timeout         string `toml:"timeout"`
	TimeoutMS       int64  `toml:"timeout_ms"`
	QueueCapacity   int    `toml:"queue_capacity"`
	EnqueueTimeout  string `toml:"enqueue_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	TLSCAFile       string `toml:"tls_ca_file"`
	TLSCertFile     string `toml:"tls_cert_file"`
	TLSKeyFile      string `toml:"tls_key_file"`
	TLSInsecure     bool   `toml:"tls_insecure_skip_verify"`
}

// Default resolves every field from the environment and built-in defaults.
func Default() Config {
	return Config{
		Socket:          ResolveSocket(""),
		Token:           ResolveToken(""),
		ClientName:      DefaultClientName(),
		Timeout:         DefaultTimeout,
		QueueCapacity:   DefaultQueueCapacity,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// FromEnv loads the file named by KICAD_IPC_CONFIG, or returns Default when
// the variable is unset.
func FromEnv() (Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfig))
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Load applies the keys defined in the TOML file at path on top of Default.
// Absent keys keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, ipcerr.Wrap(ipcerr.KindConfig, "config.load "+path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, ipcerr.New(ipcerr.KindConfig, "config.load "+path,
			fmt.Sprintf("unknown key %q", undecoded[0].String()))
	}

	if meta.IsDefined("socket") {
		cfg.Socket = ResolveSocket(raw.Socket)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("client_name") {
		if name := strings.TrimSpace(raw.ClientName); name != "" {
			cfg.ClientName = name
		}
	}
	if meta.IsDefined("timeout") {
		if cfg.Timeout, err = parseDuration("timeout", raw.Timeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("timeout_ms") {
		cfg.Timeout = time.Duration(raw.TimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("queue_capacity") {
		cfg.QueueCapacity = raw.QueueCapacity
	}
	if meta.IsDefined("enqueue_timeout") {
		if cfg.EnqueueTimeout, err = parseDuration("enqueue_timeout", raw.EnqueueTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("shutdown_timeout") {
		if cfg.ShutdownTimeout, err = parseDuration("shutdown_timeout", raw.ShutdownTimeout); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("tls_ca_file") {
		cfg.TLSCAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.TLSCertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.TLSKeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_insecure_skip_verify") {
		cfg.TLSInsecure = raw.TLSInsecure
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Socket) == "" {
		return ipcerr.New(ipcerr.KindConfig, "config.validate", "socket is required")
	}
	if strings.TrimSpace(cfg.ClientName) == "" {
		return ipcerr.New(ipcerr.KindConfig, "config.validate", "client_name is required")
	}
	if cfg.Timeout <= 0 {
		return ipcerr.New(ipcerr.KindConfig, "config.validate", "timeout must be positive")
	}
	if cfg.QueueCapacity <= 0 {
		return ipcerr.New(ipcerr.KindConfig, "config.validate", "queue_capacity must be positive")
	}
	if cfg.EnqueueTimeout < 0 || cfg.ShutdownTimeout < 0 {
		return ipcerr.New(ipcerr.KindConfig, "config.validate", "timeouts must not be negative")
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return ipcerr.New(ipcerr.KindConfig, "config.validate", "tls_cert_file and tls_key_file must be set together")
	}
	if cfg.HasTLS() && !strings.HasPrefix(cfg.Socket, "wss://") {
		return ipcerr.New(ipcerr.KindConfig, "config.validate", "tls settings require a wss:// socket")
	}
	return nil
}

func (c Config) HasTLS() bool {
	return c.TLSCAFile != "" || c.TLSCertFile != "" || c.TLSKeyFile != "" || c.TLSInsecure
}

// ResolveSocket picks the endpoint: explicit value, then KICAD_API_SOCKET,
// then the platform default. The result always carries a scheme.
func ResolveSocket(explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return normalize(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvSocket)); v != "" {
		return normalize(v)
	}
	return DefaultSocketURI()
}

// ResolveToken returns explicit, else KICAD_API_TOKEN, else "".
func ResolveToken(explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv(EnvToken))
}

// DefaultSocketURI prefers the flatpak sandbox socket when it exists.
func DefaultSocketURI() string {
	if runtime.GOOS == "windows" {
		return "ipc://" + filepath.Join(os.TempDir(), "kicad", "api.sock")
	}
	if home, err := os.UserHomeDir(); err == nil {
		flatpak := filepath.Join(home, ".var", "app", "org.kicad.KiCad", "cache", "tmp", "kicad", "api.sock")
		if _, err := os.Stat(flatpak); err == nil {
			return "ipc://" + flatpak
		}
	}
	return "ipc:///tmp/kicad/api.sock"
}

func DefaultClientName() string {
	return fmt.Sprintf("kicad-ipc-%d-%d", os.Getpid(), time.Now().UnixMilli())
}

func normalize(v string) string {
	if strings.Contains(v, "://") {
		return v
	}
	return "ipc://" + v
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, ipcerr.Wrap(ipcerr.KindConfig, "config.parse "+key, err)
	}
	return d, nil
}
