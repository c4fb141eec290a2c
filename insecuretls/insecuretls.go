// Package insecuretls builds TLS client configurations for talking to test
// fixtures that present self-signed certificates.
//
// When skipVerify is true the returned configuration trusts ANY certificate
// chain and ANY server identity. There is no partial validation and no
// pinning: it is a total bypass of transport trust. It exists so tests can
// reach a throwaway LDAP container and must never be reachable from a
// production code path. Nothing in this package changes a process-wide
// default; every caller opts in per connection.
package insecuretls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
)

// Config returns a client TLS configuration for serverName. With skipVerify
// false it is an ordinary verifying configuration using the system roots.
func Config(serverName string, skipVerify bool) *tls.Config {
	cfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	if skipVerify {
		// Chain and host name checks are both off. The peer hook accepts
		// whatever is presented.
		cfg.InsecureSkipVerify = true //nolint:gosec // test fixture trust override
		cfg.VerifyPeerCertificate = acceptAll
	}
	return cfg
}

// WithRoots returns a verifying configuration that trusts only the given
// certificate pool. Tests use it to pin a generated self-signed certificate
// instead of bypassing verification.
func WithRoots(serverName string, roots *x509.CertPool) *tls.Config {
	return &tls.Config{
		ServerName: serverName,
		RootCAs:    roots,
		MinVersion: tls.VersionTLS12,
	}
}

// Dial opens a TLS connection to addr and completes the handshake.
func Dial(ctx context.Context, network, addr string, skipVerify bool) (*tls.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	d := &tls.Dialer{Config: Config(host, skipVerify)}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return conn.(*tls.Conn), nil
}

// Client layers TLS over an already connected socket. The handshake runs on
// first I/O or an explicit HandshakeContext call.
func Client(conn net.Conn, serverName string, skipVerify bool) *tls.Conn {
	return tls.Client(conn, Config(serverName, skipVerify))
}

func acceptAll([][]byte, [][]*x509.Certificate) error {
	return nil
}
