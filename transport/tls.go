package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"
)

// TLSConfig holds the client-side TLS options
type TLSConfig struct {
	// ServerName overrides the SNI/verification name; defaults to the
	// host part of the dial address
	ServerName string

	CertFile string
	KeyFile  string
	CAFile   string

	// CAPool takes precedence over CAFile when set
	CAPool *x509.CertPool

	MinVersion         uint16
	CipherSuites       []uint16
	InsecureSkipVerify bool
}

// Build assembles the crypto/tls configuration
func (tc *TLSConfig) Build() (*tls.Config, error) {
	config := &tls.Config{
		ServerName:         tc.ServerName,
		MinVersion:         tc.MinVersion,
		CipherSuites:       tc.CipherSuites,
		InsecureSkipVerify: tc.InsecureSkipVerify,
	}
	if config.MinVersion == 0 {
		config.MinVersion = tls.VersionTLS12
	}

	if tc.CertFile != "" || tc.KeyFile != "" {
		if tc.CertFile == "" || tc.KeyFile == "" {
			return nil, ErrInvalidTLSConfig
		}
		cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	switch {
	case tc.CAPool != nil:
		config.RootCAs = tc.CAPool
	case tc.CAFile != "":
		caCert, err := os.ReadFile(tc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	return config, nil
}

// TLSDialer establishes TLS transports
type TLSDialer struct {
	Config  *TLSConfig
	Timeout time.Duration
}

func (d *TLSDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	cfg := d.Config
	if cfg == nil {
		cfg = &TLSConfig{}
	}

	tlsConfig, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	if tlsConfig.ServerName == "" {
		host, _, splitErr := net.SplitHostPort(addr)
		if splitErr == nil {
			tlsConfig.ServerName = host
		}
	}

	nd := net.Dialer{Timeout: d.Timeout}
	rawConn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ClassifyError(err)
	}

	tlsConn := tls.Client(rawConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		return nil, &TLSError{Detail: err}
	}

	return NewConn(tlsConn), nil
}
