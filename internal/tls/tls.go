// Package tls prepares the TLS configuration of the control API server,
// generating a self-signed certificate on first use when asked to.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Config is the [server.tls] section.
type Config struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"`
	MaxVersion   string `toml:"max_version" mapstructure:"max_version"`

	CommonName  string   `toml:"common_name" mapstructure:"common_name"`
	DNSNames    []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays   int      `toml:"valid_days" mapstructure:"valid_days"`
}

func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

func resolveTLSVersions(cfg Config) (min uint16, max uint16) {
	min = tls.VersionTLS13
	max = tls.VersionTLS13
	if v, ok := parseTLSVersion(cfg.MinVersion); ok {
		min = v
	}
	if v, ok := parseTLSVersion(cfg.MaxVersion); ok {
		max = v
	}
	return
}

// safeReadFile reads p, refusing paths that escape baseDir.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// getCertificationFunc reloads the pair on every handshake so rotated
// certificates are picked up without a restart.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		readCert, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		readKey, err := safeReadFile(filepath.Dir(keyFile), keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(readCert, readKey)
		return &certificate, err
	}
}

// Setup returns nil when TLS is disabled. Explicit cert/key files win over
// Dir; with AutoGenerate a missing pair in Dir is created.
func Setup(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, maxVer := resolveTLSVersions(cfg)
	if minVer > maxVer {
		return nil, fmt.Errorf("tls min_version %q above max_version %q", cfg.MinVersion, cfg.MaxVersion)
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		if !certificatesExist(cfg.CertFile, cfg.KeyFile) {
			return nil, fmt.Errorf("tls cert %s or key %s not found", cfg.CertFile, cfg.KeyFile)
		}
		return createTLSConfig(cfg.CertFile, cfg.KeyFile, minVer, maxVer), nil
	}

	if cfg.Dir != "" {
		keyPath := filepath.Join(cfg.Dir, tlsKey)
		certPath := filepath.Join(cfg.Dir, tlsCrt)
		if !certificatesExist(certPath, keyPath) {
			if !cfg.AutoGenerate {
				return nil, fmt.Errorf("no certificate in %s and auto_generate is off", cfg.Dir)
			}
			if err := generateCertificate(cfg); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		return createTLSConfig(certPath, keyPath, minVer, maxVer), nil
	}

	return nil, errors.New("TLS enabled but no valid certificate configuration found")
}

func getOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func getOrDefaultSlice(value, defaultValue []string) []string {
	if len(value) == 0 {
		return defaultValue
	}
	return value
}

func createTLSConfig(certPath, keyPath string, minVer, maxVer uint16) *tls.Config {
	// #nosec G402 min version is configurable down to 1.2
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(cfg Config) error {
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	validDays := cfg.ValidDays
	if validDays <= 0 {
		validDays = 365 * 5
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   getOrDefault(cfg.CommonName, "localhost"),
		Organization: "svckeeper",
		DNSNames:     getOrDefaultSlice(cfg.DNSNames, []string{"localhost"}),
		IPAddresses:  getOrDefaultSlice(cfg.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(cfg.Dir, tlsCrt),
		KeyPath:      filepath.Join(cfg.Dir, tlsKey),
		CACertPath:   filepath.Join(cfg.Dir, tlsCaCrt),
	})
}
