package grpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"

	"github.com/eleven-am/dagflow/internal/domain"
)

func tlsError(field string, err error) error {
	return domain.NewConfigError("transport.tls."+field, err)
}

func readPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, tlsError("ca_file", fmt.Errorf("read ca file: %w", err))
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, tlsError("ca_file", fmt.Errorf("%w: no certificates in %s", domain.ErrInvalidConfig, path))
	}
	return pool, nil
}

// ServerCredentials loads the server key pair. Setting CAFile also requires
// clients to present a certificate signed by that CA.
func ServerCredentials(cfg *domain.TLSConfig) (credentials.TransportCredentials, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, tlsError("enabled", fmt.Errorf("%w: tls is not enabled", domain.ErrInvalidConfig))
	}
	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, tlsError("cert_file", fmt.Errorf("load server key pair: %w", err))
	}

	conf := &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{pair}}
	if cfg.CAFile != "" {
		if conf.ClientCAs, err = readPool(cfg.CAFile); err != nil {
			return nil, err
		}
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return credentials.NewTLS(conf), nil
}

// ClientCredentials trusts CAFile when set and presents CertFile/KeyFile
// when both are set.
func ClientCredentials(cfg *domain.TLSConfig) (credentials.TransportCredentials, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, tlsError("enabled", fmt.Errorf("%w: tls is not enabled", domain.ErrInvalidConfig))
	}

	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile != "" {
		pool, err := readPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		conf.RootCAs = pool
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, tlsError("cert_file", fmt.Errorf("load client key pair: %w", err))
		}
		conf.Certificates = []tls.Certificate{pair}
	}
	return credentials.NewTLS(conf), nil
}
