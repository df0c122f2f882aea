package server

import (
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync"
)

// CertificateProvider supplies per-hostname leaf certificates for the TLS
// listener. Minting certificates from the local CA is an external concern;
// the server only selects by SNI.
type CertificateProvider interface {
	GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error)
}

// DirCertificateProvider loads pre-minted <host>.pem / <host>-key.pem pairs
// from a directory, caching them after first use.
type DirCertificateProvider struct {
	Dir string

	mu    sync.Mutex
	cache map[string]*tls.Certificate
}

func NewDirCertificateProvider(dir string) *DirCertificateProvider {
	return &DirCertificateProvider{Dir: dir, cache: make(map[string]*tls.Certificate)}
}

func (p *DirCertificateProvider) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("no SNI server name in TLS handshake")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cert, ok := p.cache[host]; ok {
		return cert, nil
	}

	cert, err := tls.LoadX509KeyPair(
		filepath.Join(p.Dir, host+".pem"),
		filepath.Join(p.Dir, host+"-key.pem"),
	)
	if err != nil {
		return nil, fmt.Errorf("load certificate for %s: %w", host, err)
	}
	p.cache[host] = &cert
	return &cert, nil
}
