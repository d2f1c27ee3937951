package tlsserver

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"testing"
)

func TestIdentityAcceptsKeyEncodings(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating EC key: %v", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(rsaKey)
	if err != nil {
		t.Fatalf("marshalling PKCS#8 key: %v", err)
	}
	sec1, err := x509.MarshalECPrivateKey(ecKey)
	if err != nil {
		t.Fatalf("marshalling SEC1 key: %v", err)
	}

	tests := []struct {
		name string
		der  []byte
	}{
		{"pkcs1", x509.MarshalPKCS1PrivateKey(rsaKey)},
		{"pkcs8", pkcs8},
		{"sec1", sec1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id := newIdentity()
			if err := id.setPrivateKey(tc.der); err != nil {
				t.Fatalf("setPrivateKey: %v", err)
			}
		})
	}
}

func TestIdentityRejectsGarbage(t *testing.T) {
	id := newIdentity()
	if err := id.setPrivateKey([]byte{0xde, 0xad, 0xbe, 0xef}); err == nil {
		t.Fatal("setPrivateKey accepted garbage bytes")
	}
	if err := id.setCertificate([]byte{0xde, 0xad, 0xbe, 0xef}); err == nil {
		t.Fatal("setCertificate accepted garbage bytes")
	}
}

func TestIdentityFreezeConfig(t *testing.T) {
	testID := newTestIdentity(t)

	id := newIdentity()
	if err := id.setPrivateKey(testID.keyDER); err != nil {
		t.Fatalf("setPrivateKey: %v", err)
	}
	if err := id.setCertificate(testID.certDER); err != nil {
		t.Fatalf("setCertificate: %v", err)
	}

	cfg := id.freeze()
	if cfg.MinVersion != tls.VersionTLS12 || cfg.MaxVersion != tls.VersionTLS12 {
		t.Fatalf("version bounds %x..%x, want TLS 1.2 only", cfg.MinVersion, cfg.MaxVersion)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("got %d certificates, want 1", len(cfg.Certificates))
	}
}

func TestIdentityFreezeWithoutMaterial(t *testing.T) {
	cfg := newIdentity().freeze()
	if len(cfg.Certificates) != 0 {
		t.Fatal("config must carry no certificate before material is installed")
	}
}
