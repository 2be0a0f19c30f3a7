package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrTLSCertFileRequired = errors.New("transport: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("transport: tls key file required")
	ErrTLSNotApplicable    = errors.New("transport: tls settings only apply to wss endpoints")
)

// TLSConfig configures wss:// endpoints. The zero value trusts the system
// roots and presents no client certificate.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

func (c TLSConfig) IsZero() bool {
	return c == TLSConfig{}
}

// Validate checks that a client certificate comes with its key and vice versa.
func (c TLSConfig) Validate() error {
	cert := strings.TrimSpace(c.CertFile)
	key := strings.TrimSpace(c.KeyFile)
	if cert != "" && key == "" {
		return ErrTLSKeyFileRequired
	}
	if key != "" && cert == "" {
		return ErrTLSCertFileRequired
	}
	return nil
}

// Build loads the files named by c into a client tls.Config.
func (c TLSConfig) Build(serverName string) (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if ca := strings.TrimSpace(c.CAFile); ca != "" {
		pem, err := os.ReadFile(ca)
		if err != nil {
			return nil, fmt.Errorf("transport: read tls ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("transport: no certificates in %s", ca)
		}
		out.RootCAs = pool
	}
	if cert := strings.TrimSpace(c.CertFile); cert != "" {
		pair, err := tls.LoadX509KeyPair(cert, strings.TrimSpace(c.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("transport: load client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{pair}
	}
	return out, nil
}
