package tunnel

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
	"os"
	"time"
)

// deviceCertValidity matches generate_device_certificate's 365-day
// window in original_source/tunnel/tls.rs.
const deviceCertValidity = 365 * 24 * time.Hour

// GenerateDeviceCertificate creates a self-signed ECDSA P-256 device
// identity certificate and writes it (and its private key) as PEM to
// certPath/keyPath. Grounded on internal/mitm/cert.go's
// x509.CreateCertificate/pem.Encode mechanics — the same machinery the
// teacher already uses to mint its MITM CA and leaf certs — adapted
// from RSA to ECDSA P-256 (generate_device_certificate's
// PKCS_ECDSA_P256_SHA256) and from CA-signed-leaf to self-signed,
// since a device identity cert has no intermediate CA to chain to.
func GenerateDeviceCertificate(deviceID, zone, certPath, keyPath string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("%w: generate key pair: %v", ErrCertificate, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("%w: generate serial: %v", ErrCertificate, err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   fmt.Sprintf("device-%s", deviceID),
			Organization: []string{"SuperInstance"},
		},
		DNSNames:              []string{fmt.Sprintf("%s.device.%s", deviceID, zone)},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(deviceCertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("%w: create certificate: %v", ErrCertificate, err)
	}

	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("%w: create cert file: %v", ErrCertificate, err)
	}
	defer certOut.Close() //nolint:errcheck // best-effort close
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return fmt.Errorf("%w: write cert PEM: %v", ErrCertificate, err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("%w: marshal private key: %v", ErrCertificate, err)
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("%w: create key file: %v", ErrCertificate, err)
	}
	defer keyOut.Close() //nolint:errcheck // best-effort close
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}); err != nil {
		return fmt.Errorf("%w: write key PEM: %v", ErrCertificate, err)
	}

	return nil
}

// LoadOrGenerateDeviceCertificate loads the device keypair from
// certPath/keyPath, generating a fresh one on first run. Mirrors
// internal/mitm/cert.go's LoadOrGenerateCA load-then-fall-back-to-
// generate shape.
func LoadOrGenerateDeviceCertificate(deviceID, zone, certPath, keyPath string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		return cert, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		// Files exist but are invalid — do not silently overwrite.
		return tls.Certificate{}, fmt.Errorf("%w: load device certificate: %v", ErrCertificate, err)
	}
	if err := GenerateDeviceCertificate(deviceID, zone, certPath, keyPath); err != nil {
		return tls.Certificate{}, err
	}
	cert, err = tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: load generated device certificate: %v", ErrCertificate, err)
	}
	return cert, nil
}
