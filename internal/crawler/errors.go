package crawler

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Sentinel errors shared by stores and services.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ErrorKind is the fixed fetch failure taxonomy.
type ErrorKind string

// Fetch failure kinds.
const (
	KindDNS               ErrorKind = "dns_error"
	KindConnectionRefused ErrorKind = "connection_refused"
	KindTimeout           ErrorKind = "timeout"
	KindSSL               ErrorKind = "ssl_error"
	KindProtocol          ErrorKind = "protocol_error"
	KindHTTP              ErrorKind = "http_error"
	KindUnknown           ErrorKind = "unknown_network_error"
)

// Severity hints how much a failure should weigh in downstream scoring.
type Severity string

// Severity levels.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityVariable Severity = "variable"
)

// FetchError is a classified transport failure.
type FetchError struct {
	Kind        ErrorKind
	Message     string
	Description string
	Severity    Severity
	Err         error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

var kindInfo = map[ErrorKind]struct {
	description string
	severity    Severity
}{
	KindDNS:               {"Domain name could not be resolved", SeverityCritical},
	KindConnectionRefused: {"Server refused the connection", SeverityCritical},
	KindTimeout:           {"Server did not respond in time", SeverityHigh},
	KindSSL:               {"TLS certificate could not be validated", SeverityHigh},
	KindProtocol:          {"Server sent a malformed HTTP response", SeverityMedium},
	KindHTTP:              {"Server answered with an error status", SeverityVariable},
	KindUnknown:           {"Network failure of unknown origin", SeverityVariable},
}

// NewFetchError builds a FetchError for kind wrapping err.
func NewFetchError(kind ErrorKind, err error) *FetchError {
	info, ok := kindInfo[kind]
	if !ok {
		kind = KindUnknown
		info = kindInfo[KindUnknown]
	}
	msg := info.description
	if err != nil {
		msg = err.Error()
	}
	return &FetchError{
		Kind:        kind,
		Message:     msg,
		Description: info.description,
		Severity:    info.severity,
		Err:         err,
	}
}

// ClassifyError maps a transport error onto the taxonomy. Errors that are
// already classified are returned unchanged.
func ClassifyError(err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return NewFetchError(classifyKind(err), err)
}

// KindOf returns the taxonomy kind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return classifyKind(err)
}

func classifyKind(err error) ErrorKind {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindConnectionRefused
	case IsCertificateError(err):
		return KindSSL
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ETIMEDOUT):
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "server misbehaving"):
		return KindDNS
	case strings.Contains(msg, "connection refused"):
		return KindConnectionRefused
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection reset"):
		return KindTimeout
	case strings.Contains(msg, "malformed http"), strings.Contains(msg, "invalid header"),
		strings.Contains(msg, "unsupported protocol scheme"), strings.Contains(msg, "invalid url"),
		strings.Contains(msg, "stopped after"):
		return KindProtocol
	}
	return KindUnknown
}

// IsCertificateError reports whether err stems from TLS certificate
// validation rather than from the network.
func IsCertificateError(err error) bool {
	if err == nil {
		return false
	}
	var (
		unknownAuth  x509.UnknownAuthorityError
		invalidCert  x509.CertificateInvalidError
		hostnameErr  x509.HostnameError
		verification *tls.CertificateVerificationError
	)
	if errors.As(err, &unknownAuth) || errors.As(err, &invalidCert) ||
		errors.As(err, &hostnameErr) || errors.As(err, &verification) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "x509:") || strings.Contains(msg, "certificate signed by unknown authority")
}
