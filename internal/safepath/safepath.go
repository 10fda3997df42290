// Package safepath provides the path- and identifier-safety primitives
// shared by the revision model (C2) and the archive validator (C3): every
// file path that reaches storage passes through Normalize first.
package safepath

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

// ErrUnsafe is returned when a path cannot be safely normalized.
var ErrUnsafe = errors.New("safepath: unsafe path")

// ErrSSRF is returned when a URL targets a private, loopback, or
// link-local address.
var ErrSSRF = errors.New("safepath: URL targets a private or loopback address")

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("safepath: only http and https schemes are allowed")

// Normalize converts p to a POSIX-relative, NUL-free, traversal-free path:
// backslashes become slashes, a leading slash is stripped, "." segments are
// dropped, and the result is rejected if it still contains ".." or a
// Windows drive prefix ("C:") or a NUL byte.
func Normalize(p string) (string, error) {
	if strings.IndexByte(p, 0) >= 0 {
		return "", fmt.Errorf("%w: contains NUL byte", ErrUnsafe)
	}
	if len(p) >= 2 && p[1] == ':' {
		return "", fmt.Errorf("%w: windows drive prefix", ErrUnsafe)
	}

	cleaned := strings.ReplaceAll(p, "\\", "/")
	cleaned = strings.TrimPrefix(cleaned, "/")

	var kept []string
	for _, seg := range strings.Split(cleaned, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: contains .. segment", ErrUnsafe)
		default:
			kept = append(kept, seg)
		}
	}
	if len(kept) == 0 {
		return "", fmt.Errorf("%w: empty path", ErrUnsafe)
	}
	return strings.Join(kept, "/"), nil
}

// ValidateIdentifier rejects identifiers unsuitable for use as storage keys
// or path segments: empty, overlong, or containing characters outside
// [A-Za-z0-9_.-].
func ValidateIdentifier(s string) error {
	if s == "" {
		return errors.New("safepath: identifier must not be empty")
	}
	if len(s) > 256 {
		return errors.New("safepath: identifier too long (max 256)")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("safepath: invalid character %q in identifier", r)
		}
	}
	return nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}

// ValidateURL checks that rawURL uses http/https, names a host, and does
// not resolve to a private, loopback, or link-local address. Guards the
// sandbox client and any other outbound call whose target is externally
// supplied. DNS failures are let through: the caller's network call will
// fail on its own if the host is genuinely unreachable.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("safepath: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("safepath: URL has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrSSRF
		}
		return nil
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrSSRF
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, cidr := range []string{
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
		"fc00::/7", "169.254.0.0/16", "::1/128",
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// LimitedReadAll reads at most maxBytes from r, returning an error if the
// stream has more. Used to cap untrusted blob/response reads.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("safepath: input exceeds %d bytes", maxBytes)
	}
	return data, nil
}
