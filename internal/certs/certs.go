// Package certs builds the TLS configurations the carriers need: a
// self-signed server identity kept on disk, and client configurations from
// dialer settings.
package certs

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
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fr13n8/h2mux/config"
	"github.com/rs/zerolog/log"
)

// SelfSigned loads or generates a self-signed certificate for Host under Dir.
type SelfSigned struct {
	Host     string
	Dir      string
	CertPath string
	KeyPath  string
}

func NewSelfSigned(host, dir string) *SelfSigned {
	return &SelfSigned{
		Host:     host,
		Dir:      dir,
		CertPath: filepath.Join(dir, host+"_cert.pem"),
		KeyPath:  filepath.Join(dir, host+"_key.pem"),
	}
}

// ServerConfig returns a server TLS configuration advertising nextProtos.
func (s *SelfSigned) ServerConfig(nextProtos ...string) (*tls.Config, error) {
	cert, err := s.Certificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Fingerprint returns the SHA-256 hash of the certificate in DER form.
func (s *SelfSigned) Fingerprint() ([]byte, error) {
	cert, err := s.Certificate()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(cert.Certificate[0])
	return sum[:], nil
}

// Certificate loads the key pair from disk, generating it first if missing.
func (s *SelfSigned) Certificate() (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(s.CertPath, s.KeyPath)
	if err == nil {
		return cert, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return tls.Certificate{}, fmt.Errorf("could not load certificate: %w", err)
	}
	if err := s.generate(); err != nil {
		return tls.Certificate{}, fmt.Errorf("could not generate certificate: %w", err)
	}
	return tls.LoadX509KeyPair(s.CertPath, s.KeyPath)
}

func (s *SelfSigned) generate() error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: s.Host},
		DNSNames:              []string{s.Host},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:             now,
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	if err := writePEM(s.CertPath, "CERTIFICATE", der, 0o644); err != nil {
		return err
	}
	if err := writePEM(s.KeyPath, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	}
	log.Info().Str("cert", s.CertPath).Msg("generated self-signed certificate")
	return nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	return os.WriteFile(path, data, perm)
}

// ClientConfig builds a client TLS configuration from dialer settings.
func ClientConfig(cfg config.TLS, nextProtos ...string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		NextProtos:         nextProtos,
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.CAFile == "" {
		return tlsConfig, nil
	}

	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("could not read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}
