package access

import (
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestParseListNormalizes(t *testing.T) {
	l := ParseList(" 192.168.1.1 , 10.0.0.0/8 ,, 192.168.1.1 ", testLogger())
	if l.Len() != 2 {
		t.Fatalf("expected 2 entries after dedup, got %d: %v", l.Len(), l.Entries())
	}
}

func TestParseListSkipsMalformed(t *testing.T) {
	l := ParseList("not-an-ip, 300.1.1.1, 10.0.0.0/99, 192.168.1.5", testLogger())
	if l.Len() != 1 {
		t.Fatalf("expected only the valid entry, got %v", l.Entries())
	}
	if !l.Contains("192.168.1.5") {
		t.Error("valid entry should match")
	}
}

func TestParseListEmpty(t *testing.T) {
	for _, s := range []string{"", "   ", ",,,"} {
		if l := ParseList(s, testLogger()); l.Len() != 0 {
			t.Errorf("ParseList(%q) should be empty, got %v", s, l.Entries())
		}
	}
}

func TestContainsExactMatch(t *testing.T) {
	l := ParseList("192.168.1.1,2001:db8::1", testLogger())
	if !l.Contains("192.168.1.1") {
		t.Error("IPv4 exact match failed")
	}
	if !l.Contains("2001:db8::1") {
		t.Error("IPv6 exact match failed")
	}
	if l.Contains("192.168.1.2") {
		t.Error("unlisted address should not match")
	}
}

func TestContainsCIDR(t *testing.T) {
	l := ParseList("192.168.1.0/24,2001:db8::/64", testLogger())

	if !l.Contains("192.168.1.200") {
		t.Error("address inside /24 should match")
	}
	if l.Contains("192.168.2.0") {
		t.Error("address one increment outside /24 should not match")
	}
	if !l.Contains("2001:db8::42") {
		t.Error("address inside IPv6 /64 should match")
	}
	if l.Contains("2001:db9::42") {
		t.Error("address outside IPv6 /64 should not match")
	}
}

func TestContainsInvalidClientIP(t *testing.T) {
	l := ParseList("10.0.0.0/8", testLogger())
	if l.Contains("garbage") || l.Contains("") || l.Contains("unknown") {
		t.Error("unparseable client address must never match")
	}
}

func TestClassify(t *testing.T) {
	c := NewController("10.0.0.0/8", "192.168.1.50", testLogger())

	tests := []struct {
		ip   string
		want Verdict
	}{
		{"10.1.2.3", VerdictBlocked},
		{"192.168.1.50", VerdictFree},
		{"203.0.113.9", VerdictPay},
		{"garbage", VerdictPay},
	}
	for _, tt := range tests {
		if got := c.Classify(tt.ip); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestBlockWinsOverAllow(t *testing.T) {
	c := NewController("172.16.0.1", "172.16.0.1", testLogger())
	if got := c.Classify("172.16.0.1"); got != VerdictBlocked {
		t.Errorf("address on both lists must be blocked, got %v", got)
	}

	// Same precedence when the overlap is via CIDR.
	c = NewController("172.16.0.0/12", "172.16.0.1", testLogger())
	if got := c.Classify("172.16.0.1"); got != VerdictBlocked {
		t.Errorf("CIDR blocklist must win over allowlist, got %v", got)
	}
}

func TestStatus(t *testing.T) {
	c := NewController("10.0.0.0/8,bad-entry", "192.168.1.50", testLogger())
	s := c.Status()
	if s.BlocklistCount != 1 || s.AllowlistCount != 1 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if len(s.BlocklistEntries) != 1 || s.BlocklistEntries[0] != "10.0.0.0/8" {
		t.Errorf("unexpected blocklist entries: %v", s.BlocklistEntries)
	}
}

func TestVerdictString(t *testing.T) {
	if VerdictBlocked.String() != "blocked" || VerdictFree.String() != "free" || VerdictPay.String() != "pay" {
		t.Error("verdict strings changed")
	}
}
