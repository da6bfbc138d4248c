// Package certs provides the self-signed certificate used when the
// development server is asked to serve HTTPS.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
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
)

const (
	certFile = "dev.crt"
	keyFile  = "dev.key"

	validity = 90 * 24 * time.Hour
	// renewBefore regenerates certificates that are about to expire.
	renewBefore = 24 * time.Hour
)

// Paths returns the certificate and key locations inside dir.
func Paths(dir string) (certPath, keyPath string) {
	return filepath.Join(dir, certFile), filepath.Join(dir, keyFile)
}

// LoadOrGenerate returns a TLS config for the dev server. It reuses dir/dev.crt
// and dir/dev.key when both exist and the certificate is still valid, and
// otherwise writes a fresh self-signed certificate for localhost. The bool
// reports whether a new certificate was generated.
func LoadOrGenerate(dir string) (*tls.Config, bool, error) {
	certPath, keyPath := Paths(dir)

	if usable, err := certUsable(certPath, time.Now()); err != nil {
		return nil, false, err
	} else if usable {
		pair, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err == nil {
			return newTLSConfig(pair), false, nil
		}
		// Fall through and regenerate when the key no longer matches.
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, false, fmt.Errorf("creating cert directory: %w", err)
	}
	if err := Generate(certPath, keyPath, time.Now()); err != nil {
		return nil, false, err
	}
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, false, fmt.Errorf("loading generated certificate: %w", err)
	}
	return newTLSConfig(pair), true, nil
}

// Generate writes a self-signed ECDSA P-256 certificate valid for localhost,
// 127.0.0.1 and ::1, starting at now.
func Generate(certPath, keyPath string, now time.Time) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generating serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "localhost",
			Organization: []string{"devproxy"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating certificate: %w", err)
	}
	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling key: %w", err)
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	return nil
}

func certUsable(certPath string, now time.Time) (bool, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("reading certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return false, nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false, nil
	}
	return now.Add(renewBefore).Before(cert.NotAfter), nil
}

func newTLSConfig(pair tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
