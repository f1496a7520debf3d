package security

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// suspiciousPatterns apply to every capability type, independent of policy.
var suspiciousPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`(?i)(^|[/\\])(\.env|\.netrc|\.pgpass|\.htpasswd|\.git-credentials|credentials(\.json)?|secrets?\.(ya?ml|json|toml))$`), "credential file name"},
	{regexp.MustCompile(`(?i)(^|[/\\])\.(aws|gnupg|kube|docker)([/\\]|$)`), "credential directory"},
	{regexp.MustCompile(`(?i)(password|passwd|api[_-]?key|private[_-]?key|access[_-]?token)`), "credential naming"},
	{regexp.MustCompile(`(?i)\.onion(:\d+)?(/|$)`), "tor hidden service"},
	{regexp.MustCompile(`(?i)\.i2p(:\d+)?(/|$)`), "i2p destination"},
	{regexp.MustCompile(`(?i)(^|[./])pastebin\.`), "paste site"},
	{regexp.MustCompile(`(?i)(^|[./])ngrok(-free)?\.(io|app|dev)`), "tunnel endpoint"},
	{regexp.MustCompile(`^/(var/)?tmp/\.`), "hidden file in temp directory"},
	{regexp.MustCompile(`[A-Za-z0-9+]{48,}={0,2}`), "embedded base64 blob"},
}

// SuspiciousPattern is one entry of the suspicious watch list.
type SuspiciousPattern struct {
	Pattern string `json:"pattern"`
	Reason  string `json:"reason"`
}

// SuspiciousPatterns returns the watch list in evaluation order.
func SuspiciousPatterns() []SuspiciousPattern {
	out := make([]SuspiciousPattern, len(suspiciousPatterns))
	for i, p := range suspiciousPatterns {
		out[i] = SuspiciousPattern{Pattern: p.re.String(), Reason: p.reason}
	}
	return out
}

// SuspiciousReason returns why resource is on the watch list, or "".
func SuspiciousReason(resource string) string {
	for _, p := range suspiciousPatterns {
		if p.re.MatchString(resource) {
			return p.reason
		}
	}
	return ""
}

// hostOf extracts the host from a network resource: a URL, host:port,
// [v6]:port or a bare host.
func hostOf(resource string) string {
	r := strings.TrimSpace(resource)
	if i := strings.Index(r, "://"); i >= 0 {
		if u, err := url.Parse(r); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
		r = r[i+3:]
	}
	if i := strings.IndexAny(r, "/?#"); i >= 0 {
		r = r[:i]
	}
	if h, _, err := net.SplitHostPort(r); err == nil {
		return h
	}
	return strings.Trim(r, "[]")
}

// IsPrivateHost reports whether host names a loopback, private, link-local
// or unspecified address. Dotted, IPv4-mapped IPv6, plain decimal and hex
// notations are all recognized.
func IsPrivateHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := parseHostIP(host)
	if ip == nil {
		return false
	}
	return IsPrivateIP(ip)
}

func parseHostIP(host string) net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	// 2130706433 and 0x7f000001 both resolve to 127.0.0.1 in most resolvers.
	var (
		n   uint64
		err error
	)
	switch {
	case strings.HasPrefix(host, "0x"):
		n, err = strconv.ParseUint(host[2:], 16, 32)
	default:
		n, err = strconv.ParseUint(host, 10, 32)
	}
	if err != nil {
		return nil
	}
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

// IsPrivateIP checks if an IP is in a private, loopback, or link-local range.
func IsPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip.IsUnspecified() {
		return true
	}

	privateRanges := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"100.64.0.0/10",
	}
	for _, r := range privateRanges {
		_, cidr, _ := net.ParseCIDR(r)
		if cidr != nil && cidr.Contains(ip) {
			return true
		}
	}

	// Private IPv6 (fc00::/7).
	if ip.To4() == nil && len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc {
		return true
	}

	return false
}

// CheckName rejects attribute or function names that reach interpreter
// internals: anything starting with an underscore, including dunder names.
// Runtime dispatch applies it independently of any static analysis.
func CheckName(name string) error {
	if strings.HasPrefix(name, "_") {
		return fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	return nil
}
