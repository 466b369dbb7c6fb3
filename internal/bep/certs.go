package bep

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/protocol"
)

const (
	// ProtocolName is negotiated through ALPN.
	ProtocolName = "bep/1.0"

	certValidity = 20 * 365 * 24 * time.Hour
)

// LoadOrGenerateCertificate loads the device certificate, generating and
// saving a new self-signed one if the certificate file does not exist.
func LoadOrGenerateCertificate(certFile, keyFile, commonName string) (tls.Certificate, error) {
	if _, err := os.Stat(certFile); os.IsNotExist(err) {
		return GenerateCertificate(certFile, keyFile, commonName)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("loading certificate: %w", err)
	}

	return cert, nil
}

// GenerateCertificate creates a self-signed ECDSA certificate and writes
// it and its key as PEM files.
func GenerateCertificate(certFile, keyFile, commonName string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generating serial: %w", err)
	}

	now := time.Now().Truncate(24 * time.Hour)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, OrganizationalUnit: []string{"bep-sync"}},
		DNSNames:              []string{commonName},
		NotBefore:             now,
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("creating certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("encoding key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if certFile != "" {
		if err := writePEM(certFile, certPEM, 0o644); err != nil {
			return tls.Certificate{}, err
		}

		if err := writePEM(keyFile, keyPEM, 0o600); err != nil {
			return tls.Certificate{}, err
		}
	}

	return tls.X509KeyPair(certPEM, keyPEM)
}

func writePEM(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}

// CertificateDeviceID returns the device id of a loaded certificate.
func CertificateDeviceID(cert tls.Certificate) protocol.DeviceID {
	if len(cert.Certificate) == 0 {
		return protocol.EmptyDeviceID
	}

	return protocol.NewDeviceID(cert.Certificate[0])
}

// TLSConfig returns the configuration used for both dialing and
// accepting. Certificates are self-signed, so chain verification is off
// and peers are authenticated by device id after the handshake.
func TLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:           []tls.Certificate{cert},
		NextProtos:             []string{ProtocolName},
		ClientAuth:             tls.RequireAnyClientCert,
		SessionTicketsDisabled: true,
		InsecureSkipVerify:     true, //nolint:gosec // G402: peers are verified by certificate hash
		MinVersion:             tls.VersionTLS13,
	}
}
