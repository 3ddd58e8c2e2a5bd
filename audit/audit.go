// Package audit records every payment-gateway decision as one line of
// newline-delimited JSON in an append-only file.
//
// The trail exists for dispute resolution and financial reconciliation, so
// writes are best-effort relative to the request: a failed append is logged
// and swallowed, never surfaced to the client. There are no update or
// delete operations; rotation and retention are operational concerns.
package audit

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// EventKind is the closed set of auditable gateway decisions.
type EventKind string

const (
	KindRequestReceived     EventKind = "request_received"
	KindPreflightCheck      EventKind = "preflight_check"
	KindPriceCalculated     EventKind = "price_calculated"
	KindPaymentRequiredSent EventKind = "payment_required_sent"
	KindFreeTierServed      EventKind = "free_tier_served"
	KindPaymentReceived     EventKind = "payment_received"
	KindPaymentVerified     EventKind = "payment_verified"
	KindPaymentSettled      EventKind = "payment_settled"
	KindPaymentFailed       EventKind = "payment_failed"
	KindAccessBlocked       EventKind = "access_blocked"
	KindAccessWhitelisted   EventKind = "access_whitelisted"
	KindStampPurchased      EventKind = "stamp_purchased"
	KindStampReleased       EventKind = "stamp_released"
	KindDataUploaded        EventKind = "data_uploaded"
	KindError               EventKind = "error"
)

// timeFormat is UTC with millisecond precision.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Event is one immutable audit record.
type Event struct {
	Timestamp     string         `json:"timestamp"`
	EventType     EventKind      `json:"event_type"`
	RequestID     string         `json:"request_id"`
	ClientIP      string         `json:"client_ip,omitempty"`
	WalletAddress string         `json:"wallet_address,omitempty"`
	Data          map[string]any `json:"data"`
}

// Meta carries the optional correlation fields of an event.
type Meta struct {
	ClientIP      string
	WalletAddress string
	RequestID     string
}

// Stats summarizes the audit trail.
type Stats struct {
	TotalEvents  int            `json:"total_events"`
	EventsByType map[string]int `json:"events_by_type"`
	FirstEvent   string         `json:"first_event,omitempty"`
	LastEvent    string         `json:"last_event,omitempty"`
	LogPath      string         `json:"log_path"`
	LogExists    bool           `json:"log_exists"`
}

// ReadFilter restricts which events Read returns.
type ReadFilter struct {
	MaxEntries int // 0 means the default of 100
	Kind       EventKind
	ClientIP   string
}

// Log appends events to a single NDJSON file. Appends are serialized with a
// mutex so concurrent records never interleave partial lines.
type Log struct {
	path string
	mu   sync.Mutex
	log  zerolog.Logger
}

func New(path string, log zerolog.Logger) *Log {
	return &Log{path: path, log: log}
}

// Path returns the configured log file location.
func (l *Log) Path() string { return l.path }

// NewRequestID returns an 8-character random correlator. Collision
// probability is negligible at expected request volumes.
func NewRequestID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fall back to a time-derived id; uniqueness still near-certain
		// within a single process.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}

// Record appends one event and returns its request id, generating one when
// the caller has none yet. Write failures are logged and swallowed; audit
// logging must never fail the request it describes.
func (l *Log) Record(kind EventKind, data map[string]any, meta Meta) string {
	requestID := meta.RequestID
	if requestID == "" {
		requestID = NewRequestID()
	}
	if data == nil {
		data = map[string]any{}
	}

	event := Event{
		Timestamp:     time.Now().UTC().Format(timeFormat),
		EventType:     kind,
		RequestID:     requestID,
		ClientIP:      meta.ClientIP,
		WalletAddress: meta.WalletAddress,
		Data:          data,
	}

	line, err := json.Marshal(event)
	if err != nil {
		l.log.Error().Err(err).Str("event_type", string(kind)).Msg("failed to encode audit event")
		return requestID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.append(line); err != nil {
		l.log.Error().Err(err).Str("event_type", string(kind)).Msg("failed to write audit event")
	}
	return requestID
}

func (l *Log) append(line []byte) error {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create audit log directory: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Read returns events matching the filter, most recent first. Malformed
// lines are skipped. A missing log file yields an empty slice.
func (l *Log) Read(filter ReadFilter) ([]Event, error) {
	maxEntries := filter.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 100
	}

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if filter.Kind != "" && event.EventType != filter.Kind {
			continue
		}
		if filter.ClientIP != "" && event.ClientIP != filter.ClientIP {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	// Most recent first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if len(events) > maxEntries {
		events = events[:maxEntries]
	}
	return events, nil
}

// ReadStats scans the full log and reports aggregate counts. A missing log
// is not an error; it reports zero events.
func (l *Log) ReadStats() (Stats, error) {
	stats := Stats{
		EventsByType: map[string]int{},
		LogPath:      l.path,
	}

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	stats.LogExists = true

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		stats.TotalEvents++
		stats.EventsByType[string(event.EventType)]++
		if stats.FirstEvent == "" {
			stats.FirstEvent = event.Timestamp
		}
		stats.LastEvent = event.Timestamp
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read audit log: %w", err)
	}
	return stats, nil
}
