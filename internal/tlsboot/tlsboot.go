// Package tlsboot resolves the server's TLS key material, generating and
// persisting a self-signed pair when none is configured.
package tlsboot

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// File names written by WriteSelfSigned.
const (
	CertFileName = "certificate.crt"
	KeyFileName  = "key.pem"
)

// Material locates a PEM certificate and private key.
type Material struct {
	CertPath    string
	KeyPath     string
	SelfSigned  bool
	Fingerprint string
}

// Generator produces a PEM-encoded certificate and private key.
type Generator interface {
	Generate(hosts []string) (certPEM, keyPEM []byte, err error)
}

// SelfSigned generates an ECDSA P-256 certificate signed by its own key.
type SelfSigned struct {
	ValidFor time.Duration
	Now      func() time.Time
}

func (s SelfSigned) Generate(hosts []string) ([]byte, []byte, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	validFor := s.ValidFor
	if validFor <= 0 {
		validFor = 365 * 24 * time.Hour
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generating serial number: %w", err)
	}

	start := now().Add(-time.Hour)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "localhost", Organization: []string{"gatekeep self-signed"}},
		NotBefore:             start,
		NotAfter:              start.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if h == "" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	return certPEM, keyPEM, nil
}

// Bootstrapper resolves TLS material. The filesystem and generator are
// injected so tests never touch disk.
type Bootstrapper struct {
	fs    afero.Fs
	gen   Generator
	hosts []string
}

// New creates a bootstrapper over fs using gen for self-signed material.
func New(fs afero.Fs, gen Generator, hosts ...string) *Bootstrapper {
	return &Bootstrapper{fs: fs, gen: gen, hosts: hosts}
}

// Default writes to the OS filesystem with a one-year self-signed pair.
func Default(hosts ...string) *Bootstrapper {
	return New(afero.NewOsFs(), SelfSigned{ValidFor: 365 * 24 * time.Hour}, hosts...)
}

// Resolve returns the configured key and certificate when both are set,
// otherwise writes a self-signed pair into dir. Any write failure is
// returned and must abort startup.
func (b *Bootstrapper) Resolve(keyPath, certPath, dir string) (Material, error) {
	if keyPath != "" && certPath != "" {
		return Material{CertPath: certPath, KeyPath: keyPath}, nil
	}
	if keyPath != "" || certPath != "" {
		return Material{}, errors.New("private key and certificate paths must be configured together")
	}
	return b.WriteSelfSigned(dir)
}

// WriteSelfSigned generates a pair and writes certificate.crt and key.pem
// into dir.
func (b *Bootstrapper) WriteSelfSigned(dir string) (Material, error) {
	if dir == "" {
		dir = "."
	}
	certPEM, keyPEM, err := b.gen.Generate(b.hosts)
	if err != nil {
		return Material{}, fmt.Errorf("generating self-signed pair: %w", err)
	}

	if err := b.fs.MkdirAll(dir, 0755); err != nil {
		return Material{}, fmt.Errorf("creating %s: %w", dir, err)
	}

	m := Material{
		CertPath:   absPath(filepath.Join(dir, CertFileName)),
		KeyPath:    absPath(filepath.Join(dir, KeyFileName)),
		SelfSigned: true,
	}
	if err := afero.WriteFile(b.fs, m.CertPath, certPEM, 0644); err != nil {
		return Material{}, fmt.Errorf("writing certificate: %w", err)
	}
	if err := afero.WriteFile(b.fs, m.KeyPath, keyPEM, 0600); err != nil {
		return Material{}, fmt.Errorf("writing private key: %w", err)
	}

	if block, _ := pem.Decode(certPEM); block != nil {
		if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
			m.Fingerprint = fingerprint(cert)
		}
	}

	slog.Warn("using self-signed certificate",
		"cert", m.CertPath,
		"key", m.KeyPath,
		"fingerprint", m.Fingerprint,
	)
	return m, nil
}

// ServerConfig loads the pair and returns a TLS 1.2+ server configuration.
func (b *Bootstrapper) ServerConfig(m Material) (*tls.Config, error) {
	certPEM, err := afero.ReadFile(b.fs, m.CertPath)
	if err != nil {
		return nil, fmt.Errorf("reading certificate: %w", err)
	}
	keyPEM, err := afero.ReadFile(b.fs, m.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("loading key pair: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return fmt.Sprintf("%X", sum[:])
}
