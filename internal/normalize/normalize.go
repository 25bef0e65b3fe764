// Package normalize cleans, deduplicates, and optionally DNS-validates
// submitted URLs before they become jobs.
package normalize

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Skip reasons reported for rejected URLs.
const (
	ReasonInvalidFormat   = "Invalid URL format"
	ReasonUnsupported     = "Unsupported protocol"
	ReasonPrivateAddress  = "Private or local address"
	ReasonInvalidHostname = "Invalid hostname"
	ReasonDNSFailed       = "DNS resolution failed"
)

var (
	errInvalidFormat   = errors.New(ReasonInvalidFormat)
	errUnsupported     = errors.New(ReasonUnsupported)
	errPrivateAddress  = errors.New(ReasonPrivateAddress)
	errInvalidHostname = errors.New(ReasonInvalidHostname)
)

// ParseLines splits a submission into candidate URL lines, dropping blank
// lines and comments starting with "#" or "//".
func ParseLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// URL normalizes a single raw URL. It strips a leading "www.", defaults to
// https, lower-cases the host, drops default ports and fragments, removes
// trailing slashes from the path, and rejects unsupported schemes and
// private or loopback hosts. URL(URL(u)) == URL(u).
func URL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errInvalidFormat
	}
	if !strings.Contains(s, "://") {
		s = "https://" + strings.TrimPrefix(s, "//")
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidFormat, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errUnsupported
	}
	if u.Opaque != "" || u.Host == "" {
		return "", errInvalidFormat
	}

	host := strings.ToLower(u.Hostname())
	for strings.HasPrefix(host, "www.") {
		host = strings.TrimPrefix(host, "www.")
	}
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if err := checkHost(host); err != nil {
		return "", err
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// Key returns the deduplication key for a normalized URL. http and https
// variants of the same host and path collapse onto one key.
func Key(normalized string) string {
	if i := strings.Index(normalized, "://"); i >= 0 {
		return normalized[i+3:]
	}
	return normalized
}

// Hostname returns the host part of a normalized URL.
func Hostname(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func checkHost(host string) error {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return errPrivateAddress
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
			ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return errPrivateAddress
		}
		if ip.To4() == nil {
			return nil
		}
	}
	if len(host) < 3 || !strings.Contains(host, ".") {
		return errInvalidHostname
	}
	if strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") || strings.Contains(host, "..") {
		return errInvalidHostname
	}
	return nil
}

// reason maps a normalization error to its user-facing skip reason.
func reason(err error) string {
	switch {
	case errors.Is(err, errUnsupported):
		return ReasonUnsupported
	case errors.Is(err, errPrivateAddress):
		return ReasonPrivateAddress
	case errors.Is(err, errInvalidHostname):
		return ReasonInvalidHostname
	default:
		return ReasonInvalidFormat
	}
}
