package requester

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalizeIP(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"203.0.113.10", "203.0.113.10", true},
		{"  203.0.113.10  ", "203.0.113.10", true},
		{`"203.0.113.10"`, "203.0.113.10", true},
		{"203.0.113.10:8080", "203.0.113.10", true},
		{"2001:db8::1", "2001:db8::1", true},
		{"[2001:db8::1]", "2001:db8::1", true},
		{"[2001:db8::1]:443", "2001:db8::1", true},
		{"ipv6:2001:db8::1", "2001:db8::1", true},
		{"::ffff:203.0.113.10", "203.0.113.10", true},
		{"fe80::1%eth0", "fe80::1", true},
		// A bare IPv6 address whose last group looks like a port stays intact.
		{"2001:db8::1:8080", "2001:db8::1:8080", true},
		{"unknown", "", false},
		{"UNKNOWN", "", false},
		{"", "", false},
		{"   ", "", false},
		{"not-an-ip", "", false},
		{"example.com:443", "", false},
		{"203.0.113.10:notaport", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizeIP(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("NormalizeIP(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestResolvePrefersPublicForwardedCandidate(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("POST", "/api/tokens", nil)
	r.RemoteAddr = "10.0.0.5:49152"
	r.Header.Set("X-Forwarded-For", "10.0.0.1, 203.0.113.50, 198.51.100.7")

	info := Resolve(r)
	if info.IPAddress != "203.0.113.50" {
		t.Fatalf("IPAddress = %q, want the first public hop", info.IPAddress)
	}
	if info.InternalIPAddress != "10.0.0.5" {
		t.Fatalf("InternalIPAddress = %q, want 10.0.0.5", info.InternalIPAddress)
	}
}

func TestResolveFallsBackToConnectionAddress(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("POST", "/api/tokens", nil)
	r.RemoteAddr = "192.168.1.20:50000"
	r.Header.Set("X-Forwarded-For", "127.0.0.1, 192.168.0.1")

	info := Resolve(r)
	if info.IPAddress != "192.168.1.20" {
		t.Fatalf("IPAddress = %q, want the raw connection address", info.IPAddress)
	}
}

func TestResolveCandidateOrder(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("POST", "/api/tokens", nil)
	r.RemoteAddr = "10.0.0.5:49152"
	r.Header.Set("X-Real-Ip", "203.0.113.60")
	r.Header.Set("Forwarded", `for="203.0.113.70";proto=https, for=198.51.100.9`)

	info := Resolve(r)
	if info.IPAddress != "203.0.113.60" {
		t.Fatalf("IPAddress = %q, X-Real-IP must outrank Forwarded", info.IPAddress)
	}
}

func TestResolveForwardedHeaderOnly(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("POST", "/api/tokens", nil)
	r.RemoteAddr = "10.0.0.5:49152"
	r.Header.Set("Forwarded", `For="[2001:db8::99]:4711";proto=https`)

	info := Resolve(r)
	if info.IPAddress != "2001:db8::99" {
		t.Fatalf("IPAddress = %q, want the Forwarded for= address", info.IPAddress)
	}
}

func TestResolveIdentityAndSnapshot(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("POST", "/api/tokens", nil)
	r.RemoteAddr = "203.0.113.10:40000"
	r.Header.Set("X-Client-Identity", "  device-abc  ")
	r.Header.Set("X-Forwarded-Proto", "https")

	info := Resolve(r)
	if info.ClientIdentity == nil || *info.ClientIdentity != "device-abc" {
		t.Fatalf("ClientIdentity = %v, want trimmed header value", info.ClientIdentity)
	}
	if info.HeadersSnapshot == nil {
		t.Fatalf("HeadersSnapshot missing")
	}
	for _, want := range []string{`"x_forwarded_proto":"https"`, `"client_host":"203.0.113.10:40000"`, `"x-client-identity"`} {
		if !strings.Contains(*info.HeadersSnapshot, want) {
			t.Fatalf("snapshot missing %s: %s", want, *info.HeadersSnapshot)
		}
	}
}

func TestResolveUnresolvable(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("POST", "/api/tokens", nil)
	r.RemoteAddr = ""

	info := Resolve(r)
	if info.IPAddress != Unknown || info.InternalIPAddress != Unknown {
		t.Fatalf("empty connection address must resolve to %q, got %+v", Unknown, info)
	}
	if info.ClientIdentity != nil {
		t.Fatalf("unexpected identity: %v", *info.ClientIdentity)
	}
}
