// Package tlsconfig builds mutual-TLS configs for the management listeners.
// Certificates are re-read from disk on handshake, at most once per
// ReloadInterval, so rotating the files needs no restart.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// DefaultReloadInterval is used when Options.ReloadInterval is zero.
const DefaultReloadInterval = 10 * time.Second

var ErrNoCertificates = errors.New("tls: no certificates found in CA file")

type Options struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	ServerName         string
	ReloadInterval     time.Duration
}

// Server returns the listener config, or nil when TLS is disabled. With a CA
// file, clients must present a certificate signed by it.
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, errors.New("tls: server cert/key required when TLS enabled")
	}
	r := o.reloader()
	if _, err := r.get(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return r.get() }
	return cfg, nil
}

// Client returns the dialer config, or nil when TLS is disabled. The client
// certificate is optional.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify, ServerName: o.ServerName} //nolint:gosec
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" && o.KeyFile != "" {
		r := o.reloader()
		if _, err := r.get(); err != nil {
			return nil, err
		}
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return r.get() }
	}
	return cfg, nil
}

func (o Options) reloader() *certReloader {
	ttl := o.ReloadInterval
	if ttl <= 0 {
		ttl = DefaultReloadInterval
	}
	return &certReloader{certFile: o.CertFile, keyFile: o.KeyFile, ttl: ttl}
}

type certReloader struct {
	certFile, keyFile string
	ttl               time.Duration

	mu     sync.Mutex
	cached *tls.Certificate
	loaded time.Time
}

func (r *certReloader) get() (*tls.Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil && time.Since(r.loaded) < r.ttl {
		return r.cached, nil
	}
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		if r.cached != nil {
			// Keep serving the last good pair while files are mid-rotation.
			return r.cached, nil
		}
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	r.cached, r.loaded = &cert, time.Now()
	return r.cached, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: %s", ErrNoCertificates, path)
	}
	return pool, nil
}
