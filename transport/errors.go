package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrHostUnreachable   = errors.New("host unreachable")
	ErrNameResolution    = errors.New("name resolution failed")
	ErrClosed            = errors.New("transport closed")
	ErrTimeout           = errors.New("transport timeout")
	ErrInvalidTLSConfig  = errors.New("invalid TLS configuration")
)

// TLSError carries the handshake failure detail. Certificate-trust
// failures are fatal for the reconnect loop; other handshake failures
// are retried like any transport error.
type TLSError struct {
	Detail error
}

func (e *TLSError) Error() string {
	return "tls failure: " + e.Detail.Error()
}

func (e *TLSError) Unwrap() error {
	return e.Detail
}

// Fatal reports whether the failure is a certificate-trust problem that
// retrying cannot fix.
func (e *TLSError) Fatal() bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostnameErr      x509.HostnameError
		invalidCert      x509.CertificateInvalidError
		verifyErr        *tls.CertificateVerificationError
	)
	return errors.As(e.Detail, &unknownAuthority) ||
		errors.As(e.Detail, &hostnameErr) ||
		errors.As(e.Detail, &invalidCert) ||
		errors.As(e.Detail, &verifyErr)
}

// ClassifyError maps raw socket errors onto the transport taxonomy.
// Unrecognized errors pass through unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrNameResolution
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrConnectionRefused
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return ErrHostUnreachable
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ErrClosed
	}

	return err
}

// IsFatal reports whether a dial error should stop the reconnect loop
// instead of driving another backoff round.
func IsFatal(err error) bool {
	var tlsErr *TLSError
	return errors.As(err, &tlsErr) && tlsErr.Fatal()
}
