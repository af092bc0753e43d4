package tunnel

import (
	"crypto/tls"
	"fmt"

	"github.com/superinstance/tripartite-council/internal/config"
)

// buildTLSConfig constructs a TLS 1.3 client config presenting the
// device certificate for mutual authentication, grounded on
// original_source/tunnel/tls.rs's create_tls_config. System root CAs
// are used via a nil RootCAs (stdlib default), since the pack carries
// no analogue of webpki_roots — crypto/tls's zero-value RootCAs already
// means "use the host's trust store".
func buildTLSConfig(cfg config.TunnelConfig) (*tls.Config, error) {
	cert, err := LoadOrGenerateDeviceCertificate(cfg.DeviceID, cfg.Zone, cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2"},
	}, nil
}

// ServerName extracts the TLS server name (host) from a cloud URL,
// matching extract_server_name in original_source/tunnel/tunnel.rs.
func ServerName(cloudURL string) (string, error) {
	host, _, err := splitHostPort(cloudURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return host, nil
}
