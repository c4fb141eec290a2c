// Package certgen writes throwaway self-signed certificates for exercising
// the TLS listener of an LDAP fixture. It is not a certificate authority:
// the "CA" file it produces is the server certificate itself, because the
// chain has exactly one certificate.
package certgen

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const (
	keyBits  = 2048
	validFor = 365 * 24 * time.Hour
)

// Subject is the fixed placeholder subject of every generated certificate.
var Subject = pkix.Name{
	CommonName:         "Test",
	OrganizationalUnit: []string{"Test"},
	Organization:       []string{"Test"},
	Locality:           []string{"Test"},
	Province:           []string{"Test"},
	Country:            []string{"Test"},
}

// Bundle is a generated key pair and its self-signed certificate, both PEM
// encoded.
type Bundle struct {
	CertPEM []byte
	KeyPEM  []byte
	Cert    *x509.Certificate
}

// New generates an RSA-2048 key and a self-signed SHA256-RSA certificate valid
// for one year from now. The certificate also names localhost, 127.0.0.1 and
// ::1 so a client that pins it with Pool can verify a fixture on the local
// Docker host.
func New() (*Bundle, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               Subject,
		Issuer:                Subject,
		NotBefore:             now,
		NotAfter:              now.Add(validFor),
		SignatureAlgorithm:    x509.SHA256WithRSA,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	return &Bundle{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
		Cert:    cert,
	}, nil
}

// Write stores the certificate at certPath and caPath and the private key at
// keyPath. The key file is readable by everyone because the LDAP image runs
// as a non-root user that does not own the bind-mounted host file.
func (b *Bundle) Write(certPath, keyPath, caPath string) error {
	files := []struct {
		path string
		data []byte
	}{
		{certPath, b.CertPEM},
		{keyPath, b.KeyPEM},
		{caPath, b.CertPEM},
	}
	for _, f := range files {
		if err := os.WriteFile(f.path, f.data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	return nil
}

// Pool returns a certificate pool containing only this certificate.
func (b *Bundle) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(b.Cert)
	return pool
}

// TLSCertificate returns the pair as a tls.Certificate for serving.
func (b *Bundle) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(b.CertPEM, b.KeyPEM)
}

// Generate creates a fresh bundle and writes it to the three paths.
func Generate(certPath, keyPath, caPath string) error {
	b, err := New()
	if err != nil {
		return err
	}
	return b.Write(certPath, keyPath, caPath)
}

// Files names the three PEM files written by MustGenerate.
type Files struct {
	Cert string
	Key  string
	CA   string
}

// MustGenerate writes cert.crt, key.key and ca.crt into dir and returns their
// paths. Any failure aborts the test: there is nothing to recover when test
// setup cannot produce its certificates.
func MustGenerate(tb testing.TB, dir string) Files {
	tb.Helper()
	files := Files{
		Cert: filepath.Join(dir, "cert.crt"),
		Key:  filepath.Join(dir, "key.key"),
		CA:   filepath.Join(dir, "ca.crt"),
	}
	if err := Generate(files.Cert, files.Key, files.CA); err != nil {
		tb.Fatalf("certgen: %v", err)
	}
	return files
}
