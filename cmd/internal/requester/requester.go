// Package requester resolves who is on the other end of an HTTP request:
// the externally visible client address, the raw connection address, an
// optional stable client identity, and a forensic headers snapshot.
//
// Address resolution and the rate-limit identifier must agree, so every
// caller that needs "who is this" goes through Resolve.
package requester

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"regexp"
	"strings"
)

// Unknown is the placeholder address recorded when nothing resolvable was
// presented. It still participates in rate limiting as a plain value.
const Unknown = "unknown"

// Info is the resolved requester.
type Info struct {
	// IPAddress is the first public proxy-forwarded candidate, falling back
	// to the raw connection address, falling back to Unknown.
	IPAddress string
	// InternalIPAddress is the normalized raw connection address.
	InternalIPAddress string
	// ClientIdentity is the trimmed X-Client-Identity header, nil when absent.
	ClientIdentity *string
	// HeadersSnapshot is a JSON document freezing the request headers for
	// later abuse triage. Nil only when serialization fails.
	HeadersSnapshot *string
}

var forwardedForPattern = regexp.MustCompile(`(?i)for=(?:["']?)(\[[^;,\s"']+\]|[^;,\s"']+)`)

// Resolve inspects proxy-forwarding headers and the connection address.
func Resolve(r *http.Request) Info {
	if r == nil {
		return Info{IPAddress: Unknown, InternalIPAddress: Unknown}
	}

	internal := Unknown
	if host, ok := NormalizeIP(r.RemoteAddr); ok {
		internal = host
	} else if r.RemoteAddr != "" {
		internal = r.RemoteAddr
	}

	info := Info{
		IPAddress:         clientIP(r, internal),
		InternalIPAddress: internal,
		ClientIdentity:    identityHeader(r),
	}
	info.HeadersSnapshot = snapshotHeaders(r)
	return info
}

// clientIP picks the first public forwarded candidate; private and loopback
// candidates are proxy hops, not the client.
func clientIP(r *http.Request, internal string) string {
	for _, candidate := range forwardedCandidates(r) {
		addr, err := netip.ParseAddr(candidate)
		if err != nil {
			continue
		}
		if isPublic(addr) {
			return candidate
		}
	}
	if internal != "" {
		return internal
	}
	return Unknown
}

// forwardedCandidates yields normalized, deduplicated addresses from
// X-Forwarded-For, X-Real-IP, and the RFC 7239 Forwarded header, in that
// order.
func forwardedCandidates(r *http.Request) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(raw string) {
		host, ok := NormalizeIP(raw)
		if !ok {
			return
		}
		if _, dup := seen[host]; dup {
			return
		}
		seen[host] = struct{}{}
		out = append(out, host)
	}

	for _, header := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(header, ",") {
			add(part)
		}
	}
	add(r.Header.Get("X-Real-Ip"))
	if forwarded := r.Header.Get("Forwarded"); forwarded != "" {
		for _, m := range forwardedForPattern.FindAllStringSubmatch(forwarded, -1) {
			add(m[1])
		}
	}
	return out
}

func isPublic(addr netip.Addr) bool {
	return !(addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified())
}

// NormalizeIP reduces one header candidate to a bare validated IP address.
// It tolerates quoting, surrounding brackets, "ipv6:" prefixes, IPv4-mapped
// IPv6 forms, zone identifiers, and trailing ports. The second return value
// is false when no real address remains.
func NormalizeIP(candidate string) (string, bool) {
	value := strings.Trim(strings.TrimSpace(candidate), `"'`)
	if value == "" || strings.EqualFold(value, Unknown) {
		return "", false
	}

	if strings.HasPrefix(value, "[") {
		if strings.HasSuffix(value, "]") {
			value = value[1 : len(value)-1]
		} else if i := strings.Index(value, "]:"); i > 0 {
			// "[host]:port" as produced by net connection addresses.
			value = value[1:i]
		}
	}
	if len(value) >= 5 && strings.EqualFold(value[:5], "ipv6:") {
		value = value[5:]
	}
	value = strings.TrimPrefix(value, "::ffff:")
	if i := strings.IndexByte(value, '%'); i >= 0 {
		value = value[:i]
	}

	if _, err := netip.ParseAddr(value); err == nil {
		return value, true
	}

	// Not a bare address. Try stripping a trailing port: "1.2.3.4:80" has a
	// single colon, "::1:8080" style hosts keep everything before the last
	// colon when the final segment is numeric.
	var host string
	switch colons := strings.Count(value, ":"); {
	case colons == 1 && isDigitsAndDots(strings.ReplaceAll(value, ":", "")):
		host = value[:strings.IndexByte(value, ':')]
	case colons > 1 && isDigits(value[strings.LastIndexByte(value, ':')+1:]):
		host = value[:strings.LastIndexByte(value, ':')]
	default:
		return "", false
	}
	if _, err := netip.ParseAddr(host); err != nil {
		return "", false
	}
	return host, true
}

func identityHeader(r *http.Request) *string {
	v := strings.TrimSpace(r.Header.Get("X-Client-Identity"))
	if v == "" {
		return nil
	}
	return &v
}

// snapshotHeaders serializes the headers that matter for abuse triage plus
// the full header map.
func snapshotHeaders(r *http.Request) *string {
	all := make(map[string]string, len(r.Header))
	for key := range r.Header {
		all[strings.ToLower(key)] = r.Header.Get(key)
	}
	payload := map[string]any{
		"client_host":       r.RemoteAddr,
		"x_forwarded_for":   headerOrNil(r, "X-Forwarded-For"),
		"x_real_ip":         headerOrNil(r, "X-Real-Ip"),
		"x_forwarded_proto": headerOrNil(r, "X-Forwarded-Proto"),
		"host":              r.Host,
		"all_headers":       all,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

func headerOrNil(r *http.Request, name string) *string {
	v := r.Header.Get(name)
	if v == "" {
		return nil
	}
	return &v
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isDigitsAndDots(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && c != '.' {
			return false
		}
	}
	return true
}
