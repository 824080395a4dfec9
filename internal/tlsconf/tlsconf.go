// Package tlsconf loads the server's TLS configuration from an on-disk
// certificate/key pair (spec.md §6.3: TLS_CERT_PATH, TLS_KEY_PATH) and, for
// local development without a certificate handy, can generate a self-signed
// one the way the teacher's generateTLSConfig does.
//
// Certificate/trust-store loading is explicitly named as an out-of-scope
// external collaborator in spec.md §1 ("the core only assumes an encrypted
// framed byte stream capability"); this package is the thin adapter that
// satisfies that capability, kept deliberately small.
package tlsconf

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// Load builds a *tls.Config from a certificate/key pair on disk. Both paths
// must be non-empty together, per spec.md §6.3.
func Load(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: load keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// GenerateSelfSigned creates an ephemeral self-signed certificate, for local
// development and tests when no TLS_CERT_PATH/TLS_KEY_PATH is configured.
// Grounded on the teacher's generateTLSConfig (tls.go): ECDSA P-256 key,
// CA:true leaf so the client's trust store can be pointed at the same cert.
func GenerateSelfSigned(validity time.Duration, hostname string) (*tls.Config, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("tlsconf: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("tlsconf: generate serial: %w", err)
	}

	tmpl := certTemplate(serial, hostname, validity)

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("tlsconf: create certificate: %w", err)
	}
	parsed, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, "", fmt.Errorf("tlsconf: parse certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)
	fingerprint := hex.EncodeToString(fp[:])

	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        parsed,
	}
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, MinVersion: tls.VersionTLS12}, fingerprint, nil
}

// certTemplate builds the x509.Certificate used as both the self-signed
// leaf and its own issuer. Unlike the teacher's generateTLSConfig, which
// sets ExtKeyUsageClientAuth alongside ExtKeyUsageServerAuth so the same
// cert can authenticate either side of its voice-channel WebTransport
// peering, this protocol never has a client present a certificate (spec.md
// §6.3 is server-only TLS over a plain byte stream) — ServerAuth is the
// only usage this repo's handshake ever exercises, so ClientAuth is
// dropped rather than carried over unused.
func certTemplate(serial *big.Int, hostname string, validity time.Duration) x509.Certificate {
	cn := "chatterd"
	if hostname != "" {
		cn = hostname
	}
	sans := []string{"localhost"}
	if hostname != "" && hostname != "localhost" {
		sans = append(sans, hostname)
	}

	return x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
	}
}
