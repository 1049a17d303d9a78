package p2p

import "testing"

func TestParsePeerAddress(t *testing.T) {
	cases := []struct {
		raw     string
		host    string
		port    uint16
		hasPort bool
	}{
		{"node.example.com", "node.example.com", 0, false},
		{"node.example.com:12392", "node.example.com", 12392, true},
		{"203.0.113.5", "203.0.113.5", 0, false},
		{"203.0.113.5:12392", "203.0.113.5", 12392, true},
		{"2001:db8::1", "2001:db8::1", 0, false},
		{"[2001:db8::1]", "2001:db8::1", 0, false},
		{"[2001:db8::1]:12392", "2001:db8::1", 12392, true},
	}
	for _, c := range cases {
		addr, err := ParsePeerAddress(c.raw)
		if err != nil {
			t.Fatalf("ParsePeerAddress(%q): %v", c.raw, err)
		}
		if addr.Host() != c.host {
			t.Errorf("ParsePeerAddress(%q).Host() = %q, want %q", c.raw, addr.Host(), c.host)
		}
		if got, want := addr.Port(0), c.port; c.hasPort && got != want {
			t.Errorf("ParsePeerAddress(%q).Port(0) = %d, want %d", c.raw, got, want)
		}
	}
}

func TestParsePeerAddressRejectsEmptyHost(t *testing.T) {
	for _, raw := range []string{"", "  ", ":12392", "[]:12392"} {
		if _, err := ParsePeerAddress(raw); err == nil {
			t.Errorf("ParsePeerAddress(%q): expected error, got nil", raw)
		}
	}
}

func TestParsePeerAddressRejectsAmbiguousIPv6(t *testing.T) {
	if _, err := ParsePeerAddress("not:a:valid:v6:literal"); err == nil {
		t.Errorf("expected ambiguous-address error")
	}
}

func TestPeerAddressEqualIsUnresolvedForm(t *testing.T) {
	a, _ := ParsePeerAddress("node.example.com:12392")
	b, _ := ParsePeerAddress("node.example.com:12392")
	c, _ := ParsePeerAddress("node.example.com")
	if !a.Equal(b) {
		t.Errorf("expected equal addresses to compare equal")
	}
	if a.Equal(c) {
		t.Errorf("expected address with explicit port to differ from one without")
	}
}

func TestPeerAddressPortDefaultsWhenUnset(t *testing.T) {
	addr, _ := ParsePeerAddress("node.example.com")
	if got, want := addr.Port(12392), uint16(12392); got != want {
		t.Errorf("Port(default) = %d, want %d", got, want)
	}
}

func TestPeerAddressStringRoundTrips(t *testing.T) {
	for _, raw := range []string{"node.example.com", "node.example.com:12392", "[2001:db8::1]:12392"} {
		addr, err := ParsePeerAddress(raw)
		if err != nil {
			t.Fatalf("ParsePeerAddress(%q): %v", raw, err)
		}
		again, err := ParsePeerAddress(addr.String())
		if err != nil {
			t.Fatalf("ParsePeerAddress(%q) (round trip): %v", addr.String(), err)
		}
		if !addr.Equal(again) {
			t.Errorf("round trip through String() changed address: %q -> %q -> %q", raw, addr.String(), again.String())
		}
	}
}

func TestPeerAddressIsZero(t *testing.T) {
	var zero PeerAddress
	if !zero.IsZero() {
		t.Errorf("zero-value PeerAddress should report IsZero")
	}
	addr, _ := ParsePeerAddress("node.example.com")
	if addr.IsZero() {
		t.Errorf("parsed address should not report IsZero")
	}
}
