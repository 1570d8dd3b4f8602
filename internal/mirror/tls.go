package mirror

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
)

// TLSConfig holds TLS settings for connections to the Nexus server.
type TLSConfig struct {
	MinVersion         string   `toml:"min_version,omitempty"`
	MaxVersion         string   `toml:"max_version,omitempty"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify,omitempty"`
	CACertFile         string   `toml:"ca_cert_file,omitempty"`
	ClientCertFile     string   `toml:"client_cert_file,omitempty"`
	ClientKeyFile      string   `toml:"client_key_file,omitempty"`
	ServerName         string   `toml:"server_name,omitempty"`
	CipherSuites       []string `toml:"cipher_suites,omitempty"`
}

func parseTLSVersion(v string) (uint16, error) {
	switch v {
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, errors.New("unsupported TLS version: " + v + " (must be 1.2 or 1.3)")
}

func cipherSuiteID(name string) (uint16, bool) {
	for _, suite := range tls.CipherSuites() {
		if suite.Name == name {
			return suite.ID, true
		}
	}
	for _, suite := range tls.InsecureCipherSuites() {
		if suite.Name == name {
			return suite.ID, true
		}
	}
	return 0, false
}

// Validate checks the TLS configuration for consistency.
func (t *TLSConfig) Validate() error {
	var minVer, maxVer uint16
	var err error
	if t.MinVersion != "" {
		if minVer, err = parseTLSVersion(t.MinVersion); err != nil {
			return errors.Wrap(err, "min_version")
		}
	}
	if t.MaxVersion != "" {
		if maxVer, err = parseTLSVersion(t.MaxVersion); err != nil {
			return errors.Wrap(err, "max_version")
		}
	}
	if minVer != 0 && maxVer != 0 && minVer > maxVer {
		return errors.New("min_version cannot be greater than max_version")
	}
	if (t.ClientCertFile == "") != (t.ClientKeyFile == "") {
		return errors.New("both client_cert_file and client_key_file must be specified")
	}
	for _, name := range t.CipherSuites {
		if _, ok := cipherSuiteID(name); !ok {
			return errors.New("unknown cipher suite: " + name)
		}
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the configuration.
// TLS 1.2 is the default minimum version.
func (t *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify, // #nosec G402 - opt-in for self-signed Nexus deployments
		ServerName:         t.ServerName,
	}
	if t.MinVersion != "" {
		config.MinVersion, _ = parseTLSVersion(t.MinVersion)
	}
	if t.MaxVersion != "" {
		config.MaxVersion, _ = parseTLSVersion(t.MaxVersion)
	}
	for _, name := range t.CipherSuites {
		id, _ := cipherSuiteID(name)
		config.CipherSuites = append(config.CipherSuites, id)
	}

	if t.CACertFile != "" {
		pem, err := os.ReadFile(t.CACertFile)
		if err != nil {
			return nil, errors.Wrap(err, "read ca_cert_file")
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in ca_cert_file: " + t.CACertFile)
		}
		config.RootCAs = pool
	}

	if t.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCertFile, t.ClientKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load client certificate")
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// clonedTransport creates a new HTTP client with optimized transport settings and TLS configuration.
func clonedTransport(tlsConfig *TLSConfig, maxConns int) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = maxConns
	tr.IdleConnTimeout = 90 * time.Second

	if tlsConfig != nil {
		customTLSConfig, err := tlsConfig.BuildTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "tls")
		}
		tr.TLSClientConfig = customTLSConfig
	}

	return &http.Client{
		Transport: tr,
		Timeout:   0, // no timeout; timeout is controlled by context
	}, nil
}
