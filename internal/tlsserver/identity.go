package tlsserver

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/2log-io/idfix-protocols/internal/logging"
)

// identity holds the server's TLS identity while it is being configured.
// It is created by Server.Init, populated by SetPrivateKey/SetCertificate
// and frozen into an immutable tls.Config when Listen starts the server.
// After the freeze the material is shared read-only by all sessions.
type identity struct {
	certDER []byte
	cert    *x509.Certificate
	key     crypto.PrivateKey
}

func newIdentity() *identity {
	return &identity{}
}

// setPrivateKey installs a DER-encoded (ASN.1) private key. PKCS#1, PKCS#8
// and SEC1 encodings are accepted.
func (id *identity) setPrivateKey(der []byte) error {
	key, err := parsePrivateKey(der)
	if err != nil {
		return err
	}
	id.key = key
	return nil
}

// setCertificate installs a DER-encoded (ASN.1) X.509 certificate.
func (id *identity) setCertificate(der []byte) error {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}
	id.certDER = der
	id.cert = cert
	return nil
}

// freeze builds the TLS configuration shared by all accepted sessions.
// Key/certificate mismatch is not checked here; a broken identity surfaces
// as per-connection handshake failures, never as a listen failure.
func (id *identity) freeze() *tls.Config {
	config := &tls.Config{
		// TLS 1.2 only: the embedded peers this server exists for do not
		// speak TLS 1.3.
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS12,

		// Legacy RSA-kex suites for embedded chipsets (CC3200 era) plus
		// ECDHE suites for modern peers. Hex values because some of the
		// legacy constants don't exist in Go's TLS package.
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			0x003C, // TLS_RSA_WITH_AES_128_CBC_SHA256
			0x003D, // TLS_RSA_WITH_AES_256_CBC_SHA256
			0x002F, // TLS_RSA_WITH_AES_128_CBC_SHA
			0x0035, // TLS_RSA_WITH_AES_256_CBC_SHA
			0x000A, // TLS_RSA_WITH_3DES_EDE_CBC_SHA
		},

		PreferServerCipherSuites: true,

		VerifyConnection: func(cs tls.ConnectionState) error {
			logging.LogTLSHandshake(
				cs.ServerName,
				cs.Version,
				cs.CipherSuite,
				cs.ServerName,
			)
			return nil
		},
	}

	if id.certDER != nil && id.key != nil {
		config.Certificates = []tls.Certificate{{
			Certificate: [][]byte{id.certDER},
			PrivateKey:  id.key,
			Leaf:        id.cert,
		}}
	}

	return config
}

// parsePrivateKey tries the DER private key encodings in the order OpenSSL
// historically accepted them.
func parsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("failed to parse private key (tried PKCS#1, PKCS#8 and SEC1)")
}
