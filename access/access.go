// Package access implements IP-based access control for the gateway.
//
// Two configured lists drive classification: a blocklist of addresses that
// may never use the gateway, and an allowlist of addresses that bypass
// payment entirely. Entries are literal IPs or CIDR ranges, IPv4 or IPv6.
package access

import (
	"net/netip"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Verdict is the result of classifying a client address.
type Verdict int

const (
	// VerdictBlocked means the address is blocklisted and must be rejected.
	VerdictBlocked Verdict = iota
	// VerdictFree means the address is allowlisted and bypasses payment.
	VerdictFree
	// VerdictPay means the address must pay per request.
	VerdictPay
)

func (v Verdict) String() string {
	switch v {
	case VerdictBlocked:
		return "blocked"
	case VerdictFree:
		return "free"
	case VerdictPay:
		return "pay"
	}
	return "unknown"
}

type entry struct {
	raw    string
	addr   netip.Addr
	prefix netip.Prefix
	isCIDR bool
}

// List is a parsed, deduplicated set of IP addresses and CIDR ranges.
type List struct {
	entries []entry
}

// ParseList parses a comma-separated list of IPs and CIDR ranges.
// Whitespace is trimmed, empty items are skipped and malformed entries are
// discarded with a warning; parsing never fails.
func ParseList(s string, log zerolog.Logger) List {
	var l List
	if strings.TrimSpace(s) == "" {
		return l
	}

	seen := make(map[string]bool)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		if strings.Contains(item, "/") {
			prefix, err := netip.ParsePrefix(item)
			if err != nil {
				log.Warn().Str("entry", item).Err(err).Msg("invalid CIDR range in access list")
				continue
			}
			prefix = prefix.Masked()
			key := prefix.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			l.entries = append(l.entries, entry{raw: key, prefix: prefix, isCIDR: true})
			continue
		}

		addr, err := netip.ParseAddr(item)
		if err != nil {
			log.Warn().Str("entry", item).Err(err).Msg("invalid IP address in access list")
			continue
		}
		addr = addr.Unmap()
		key := addr.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		l.entries = append(l.entries, entry{raw: key, addr: addr})
	}
	return l
}

// Len reports the number of parsed entries.
func (l List) Len() int { return len(l.entries) }

// Entries returns the normalized entries in sorted order.
func (l List) Entries() []string {
	out := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.raw)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether the client address matches any entry, either
// exactly or by CIDR containment. An unparseable address never matches.
func (l List) Contains(clientIP string) bool {
	if len(l.entries) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(clientIP))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, e := range l.entries {
		if e.isCIDR {
			if e.prefix.Contains(addr) {
				return true
			}
		} else if e.addr == addr {
			return true
		}
	}
	return false
}

// Controller classifies client addresses against the configured lists.
type Controller struct {
	block List
	allow List
	log   zerolog.Logger
}

// NewController parses the configured blocklist and allowlist strings.
func NewController(blockCSV, allowCSV string, log zerolog.Logger) *Controller {
	return &Controller{
		block: ParseList(blockCSV, log),
		allow: ParseList(allowCSV, log),
		log:   log,
	}
}

// Classify returns the access verdict for a client address. The blocklist
// always takes precedence: an operator explicitly blocking an address must
// not be overridden by a stale allowlist entry.
func (c *Controller) Classify(clientIP string) Verdict {
	if c.block.Contains(clientIP) {
		c.log.Warn().Str("client_ip", clientIP).Msg("blocked blocklisted IP")
		return VerdictBlocked
	}
	if c.allow.Contains(clientIP) {
		c.log.Info().Str("client_ip", clientIP).Msg("allowlisted IP bypasses payment")
		return VerdictFree
	}
	return VerdictPay
}

// Status describes the current access-control configuration.
type Status struct {
	BlocklistCount   int      `json:"blocklist_count"`
	AllowlistCount   int      `json:"allowlist_count"`
	BlocklistEntries []string `json:"blocklist_entries"`
	AllowlistEntries []string `json:"allowlist_entries"`
}

// Status reports the parsed lists, for diagnostics endpoints.
func (c *Controller) Status() Status {
	return Status{
		BlocklistCount:   c.block.Len(),
		AllowlistCount:   c.allow.Len(),
		BlocklistEntries: c.block.Entries(),
		AllowlistEntries: c.allow.Entries(),
	}
}
