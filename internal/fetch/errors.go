package fetch

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
)

// Kind classifies a fetch failure. All kinds are transient from the retry
// loop's point of view; the distinction exists for callers and logs.
type Kind string

// Failure kinds surfaced by the client.
const (
	KindTransport Kind = "transport"
	KindProxy     Kind = "proxy"
	KindTLS       Kind = "tls"
	KindStatus    Kind = "status"
	KindTruncated Kind = "truncated"
)

// Error is a classified fetch failure for one URL, reported after the retry
// budget is exhausted.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int // set only for KindStatus
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s failure: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify wraps a transport-level error with its failure kind. usedProxy
// distinguishes dial failures through a proxy from direct ones.
func classify(url string, err error, usedProxy bool) *Error {
	kind := KindTransport
	switch {
	case isTLS(err):
		kind = KindTLS
	case isTruncated(err):
		kind = KindTruncated
	case usedProxy && isDial(err):
		kind = KindProxy
	}
	return &Error{Kind: kind, URL: url, Err: err}
}

func isTLS(err error) bool {
	var (
		recordErr   tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
		hostnameErr x509.HostnameError
		unknownCA   x509.UnknownAuthorityError
		invalidCert x509.CertificateInvalidError
	)
	return errors.As(err, &recordErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &unknownCA) ||
		errors.As(err, &invalidCert)
}

func isTruncated(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func isDial(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	// net/http reports proxy CONNECT failures with Op "proxyconnect".
	return opErr.Op == "dial" || opErr.Op == "proxyconnect"
}
