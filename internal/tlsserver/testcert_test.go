package tlsserver

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

// testIdentity holds DER-encoded key and certificate material for a test
// server, plus a pool trusting the certificate for client-side dials.
type testIdentity struct {
	keyDER  []byte
	certDER []byte
	pool    *x509.CertPool
}

func newTestIdentity(t *testing.T) *testIdentity {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "idfix-test",
			Organization: []string{"idfix"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)

	return &testIdentity{
		keyDER:  x509.MarshalPKCS1PrivateKey(key),
		certDER: certDER,
		pool:    pool,
	}
}

// newTestServer creates a server with a fresh identity, starts it on an
// ephemeral port and registers a shutdown cleanup.
func newTestServer(t *testing.T, handler EventHandler) (*Server, *testIdentity) {
	t.Helper()

	id := newTestIdentity(t)

	srv := NewServer(handler)
	if err := srv.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := srv.SetPrivateKey(id.keyDER); err != nil {
		t.Fatalf("SetPrivateKey: %v", err)
	}
	if err := srv.SetCertificate(id.certDER); err != nil {
		t.Fatalf("SetCertificate: %v", err)
	}
	if err := srv.Listen(0); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	t.Cleanup(func() {
		srv.Shutdown()
		select {
		case <-srv.loopDone:
		case <-time.After(5 * time.Second):
			t.Errorf("server loop did not exit within 5s")
		}
	})

	return srv, id
}
