package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const templateHeader = `# kicadipc client configuration.
# Point KICAD_IPC_CONFIG at this file. Keys left out keep their defaults;
# socket and token also fall back to KICAD_API_SOCKET and KICAD_API_TOKEN.
`

// Template renders a config file populated with the defaults for this host.
func Template() (string, error) {
	cfg := Default()
	raw := templateFile{
		Socket:          cfg.Socket,
		Token:           cfg.Token,
		ClientName:      "kicad-ipc",
		Timeout:         cfg.Timeout.String(),
		QueueCapacity:   cfg.QueueCapacity,
		EnqueueTimeout:  cfg.EnqueueTimeout.String(),
		ShutdownTimeout: cfg.ShutdownTimeout.String(),
	}

	var buf bytes.Buffer
	buf.WriteString(templateHeader)
	if err := toml.NewEncoder(&buf).Encode(raw); err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return buf.String(), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// templateFile omits timeout_ms so a rendered template round-trips through Load.
type templateFile struct {
	Socket          string `toml:"socket"`
	Token           string `toml:"token"`
	ClientName      string `toml:"client_name"`
	Timeout         string `toml:"timeout"`
	QueueCapacity   int    `toml:"queue_capacity"`
	EnqueueTimeout  string `toml:"enqueue_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}
