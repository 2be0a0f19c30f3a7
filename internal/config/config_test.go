package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/kicadipc/pkg/ipcerr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kicadipc.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv(EnvSocket, "")
	t.Setenv(EnvToken, "env-token")
	path := writeConfig(t, `
socket = "/run/user/1000/kicad/api.sock"
client_name = "board-bot"
timeout = "750ms"
queue_capacity = 8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Socket != "ipc:///run/user/1000/kicad/api.sock" {
		t.Fatalf("unexpected socket: %q", cfg.Socket)
	}
	if cfg.Token != "env-token" {
		t.Fatalf("unexpected token: %q", cfg.Token)
	}
	if cfg.ClientName != "board-bot" {
		t.Fatalf("unexpected client name: %q", cfg.ClientName)
	}
	if cfg.Timeout != 750*time.Millisecond {
		t.Fatalf("unexpected timeout: %v", cfg.Timeout)
	}
	if cfg.QueueCapacity != 8 {
		t.Fatalf("unexpected queue capacity: %d", cfg.QueueCapacity)
	}
	if cfg.EnqueueTimeout != 0 {
		t.Fatalf("unexpected enqueue timeout: %v", cfg.EnqueueTimeout)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("unexpected shutdown timeout: %v", cfg.ShutdownTimeout)
	}
}

func TestLoadTimeoutMS(t *testing.T) {
	path := writeConfig(t, "timeout_ms = 1500\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Timeout != 1500*time.Millisecond {
		t.Fatalf("unexpected timeout: %v", cfg.Timeout)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad duration":   `timeout = "soon"`,
		"zero queue":     `queue_capacity = 0`,
		"unknown key":    `sockett = "/tmp/x"`,
		"negative drain": `shutdown_timeout = "-1s"`,
		"cert sans key":  "socket = \"wss://kicad.local/api\"\ntls_cert_file = \"c.crt\"",
		"tls on ipc":     "socket = \"/tmp/kicad/api.sock\"\ntls_ca_file = \"ca.crt\"",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			if !errors.Is(err, ipcerr.ErrConfig) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}

func TestLoadTLSFiles(t *testing.T) {
	path := writeConfig(t, `
socket = "wss://kicad.local:7443/api"
tls_ca_file = " /etc/kicad/ca.crt "
tls_cert_file = "/etc/kicad/client.crt"
tls_key_file = "/etc/kicad/client.key"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.HasTLS() {
		t.Fatalf("expected tls settings")
	}
	if cfg.TLSCAFile != "/etc/kicad/ca.crt" || cfg.TLSCertFile != "/etc/kicad/client.crt" || cfg.TLSKeyFile != "/etc/kicad/client.key" {
		t.Fatalf("unexpected tls files: %+v", cfg)
	}
	if cfg.TLSInsecure {
		t.Fatalf("insecure must default off")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if !errors.Is(err, ipcerr.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestResolveSocketPrecedence(t *testing.T) {
	t.Setenv(EnvSocket, "/var/run/env.sock")
	if got := ResolveSocket("tcp://127.0.0.1:7000"); got != "tcp://127.0.0.1:7000" {
		t.Fatalf("explicit socket not preferred: %q", got)
	}
	if got := ResolveSocket(""); got != "ipc:///var/run/env.sock" {
		t.Fatalf("env socket not used: %q", got)
	}

	t.Setenv(EnvSocket, "")
	t.Setenv("HOME", t.TempDir())
	if got := ResolveSocket(""); got != "ipc:///tmp/kicad/api.sock" {
		t.Fatalf("unexpected default socket: %q", got)
	}
}

func TestDefaultSocketPrefersFlatpak(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	flatpak := filepath.Join(home, ".var", "app", "org.kicad.KiCad", "cache", "tmp", "kicad", "api.sock")
	if err := os.MkdirAll(filepath.Dir(flatpak), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(flatpak, nil, 0o600); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if got := DefaultSocketURI(); got != "ipc://"+flatpak {
		t.Fatalf("unexpected socket: %q", got)
	}
}

func TestDefaultClientName(t *testing.T) {
	name := DefaultClientName()
	if !strings.HasPrefix(name, "kicad-ipc-") {
		t.Fatalf("unexpected client name: %q", name)
	}
}

func TestFromEnv(t *testing.T) {
	path := writeConfig(t, `client_name = "from-env"`)
	t.Setenv(EnvConfig, path)
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.ClientName != "from-env" {
		t.Fatalf("unexpected client name: %q", cfg.ClientName)
	}

	t.Setenv(EnvConfig, "")
	cfg, err = FromEnv()
	if err != nil {
		t.Fatalf("from env defaults: %v", err)
	}
	if cfg.Timeout != DefaultTimeout {
		t.Fatalf("unexpected default timeout: %v", cfg.Timeout)
	}
}

func TestTemplateRoundTrips(t *testing.T) {
	t.Setenv(EnvToken, "")
	out, err := Template()
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	path := filepath.Join(t.TempDir(), "kicadipc.toml")
	if err := os.WriteFile(path, []byte(out), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load rendered template: %v\n%s", err, out)
	}
	if cfg.ClientName != "kicad-ipc" || cfg.Timeout != DefaultTimeout {
		t.Fatalf("unexpected config from template: %+v", cfg)
	}

	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite existing config")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}
