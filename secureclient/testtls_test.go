package secureclient_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"
)

// generateCert produces a throwaway self-signed leaf certificate, standing
// in for the runtime's real certificate store.
func generateCert(t *testing.T) (tls.Certificate, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mxtransport-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	sum := sha1.Sum(der)
	thumbprint := strings.ToUpper(hex.EncodeToString(sum[:]))

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return cert, thumbprint
}

// pipePair returns a client/server net.Conn pair over an in-memory pipe,
// each already wrapped for TLS with mutual authentication required.
func pipePair(t *testing.T, serverCert, clientCert tls.Certificate) (client, server *tls.Conn) {
	t.Helper()
	c, s := net.Pipe()

	serverCfg := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAnyClientCert,
	}
	clientCfg := &tls.Config{
		Certificates:       []tls.Certificate{clientCert},
		InsecureSkipVerify: true,
	}

	server = tls.Server(s, serverCfg)
	client = tls.Client(c, clientCfg)
	return client, server
}
