package inspect

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// CertForger mints synthetic leaf certificates for a given SNI, signed by
// an in-memory CA key, and caches them so repeated connections to the same
// host reuse one certificate rather than paying an ECDSA signature per
// handshake. Grounded on the teacher's internal/probe/fetcher.go ad hoc
// *tls.Config construction, generalized from "configure a client-side TLS
// dial" to "synthesize a server-side identity on demand."
type CertForger struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey

	mu    sync.Mutex
	cache map[string]*tls.Certificate
}

// NewCertForger builds a forger whose CA is the given certificate/key pair
// (typically an operator-provided interception root, trusted by the
// clients this proxy terminates TLS for).
func NewCertForger(caCert *x509.Certificate, caKey *ecdsa.PrivateKey) *CertForger {
	return &CertForger{caCert: caCert, caKey: caKey, cache: map[string]*tls.Certificate{}}
}

// GenerateInterceptionCA builds a fresh, self-signed CA certificate and key
// suitable for NewCertForger, for deployments that don't supply their own
// interception root (e.g. tests, or a first-run bootstrap).
func GenerateInterceptionCA(commonName string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("inspect: generating CA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("inspect: generating CA serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("inspect: self-signing CA: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("inspect: parsing CA: %w", err)
	}
	return cert, key, nil
}

// ForSNI returns a cached leaf certificate for host, minting one on first
// use.
func (f *CertForger) ForSNI(host string) (*tls.Certificate, error) {
	f.mu.Lock()
	if cert, ok := f.cache[host]; ok {
		f.mu.Unlock()
		return cert, nil
	}
	f.mu.Unlock()

	cert, err := f.mint(host)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[host] = cert
	f.mu.Unlock()
	return cert, nil
}

func (f *CertForger) mint(host string) (*tls.Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("inspect: generating leaf key for %q: %w", host, err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("inspect: generating leaf serial for %q: %w", host, err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, f.caCert, &leafKey.PublicKey, f.caKey)
	if err != nil {
		return nil, fmt.Errorf("inspect: signing leaf for %q: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, f.caCert.Raw},
		PrivateKey:  leafKey,
	}, nil
}

// Dialer opens a plaintext connection to the real upstream host.
type Dialer func(network, addr string) (net.Conn, error)

// Intercept performs the TLS interception spec §4.4 describes for
// TlsModern/TlsTlcp: complete the handshake with the client using a
// synthetic certificate matching sni, then dial the real upstream over TLS
// with the same SNI (or override), handing back both decrypted streams for
// re-inspection.
func Intercept(clientConn net.Conn, forger *CertForger, sni string, upstreamAddr string, sniOverride string, dial Dialer, upstreamTLSConfig *tls.Config) (client *tls.Conn, upstream *tls.Conn, err error) {
	serverConfig := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := sni
			if hello.ServerName != "" {
				host = hello.ServerName
			}
			return forger.ForSNI(host)
		},
	}
	clientTLS := tls.Server(clientConn, serverConfig)
	if err := clientTLS.Handshake(); err != nil {
		return nil, nil, fmt.Errorf("inspect: client-side handshake for %q: %w", sni, err)
	}

	plainUpstream, err := dial("tcp", upstreamAddr)
	if err != nil {
		_ = clientTLS.Close()
		return nil, nil, fmt.Errorf("inspect: dialing upstream %q: %w", upstreamAddr, err)
	}

	cfg := upstreamTLSConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if sniOverride != "" {
		cfg.ServerName = sniOverride
	} else {
		cfg.ServerName = sni
	}

	upstreamTLS := tls.Client(plainUpstream, cfg)
	if err := upstreamTLS.HandshakeContext(context.Background()); err != nil {
		_ = clientTLS.Close()
		_ = plainUpstream.Close()
		return nil, nil, fmt.Errorf("inspect: upstream-side handshake for %q: %w", upstreamAddr, err)
	}

	return clientTLS, upstreamTLS, nil
}
