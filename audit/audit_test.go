package audit

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "x402", "audit.jsonl")
	return New(path, zerolog.Nop())
}

func TestRecordGeneratesRequestID(t *testing.T) {
	l := newTestLog(t)

	id := l.Record(KindRequestReceived, map[string]any{"method": "POST"}, Meta{ClientIP: "1.2.3.4"})
	if len(id) != 8 {
		t.Fatalf("request id %q should be 8 characters", id)
	}

	events, err := l.Read(ReadFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.EventType != KindRequestReceived || e.RequestID != id || e.ClientIP != "1.2.3.4" {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.Data["method"] != "POST" {
		t.Errorf("data not preserved: %v", e.Data)
	}
}

func TestRecordKeepsSuppliedRequestID(t *testing.T) {
	l := newTestLog(t)
	if id := l.Record(KindPaymentVerified, nil, Meta{RequestID: "abcd1234"}); id != "abcd1234" {
		t.Errorf("Record returned %q, want abcd1234", id)
	}
}

func TestRecordCreatesDirectory(t *testing.T) {
	l := newTestLog(t)
	l.Record(KindError, nil, Meta{})
	if _, err := os.Stat(l.Path()); err != nil {
		t.Fatalf("log file not created: %v", err)
	}
}

func TestReadOrderAndStats(t *testing.T) {
	l := newTestLog(t)

	const n = 5
	for i := 0; i < n; i++ {
		l.Record(KindRequestReceived, map[string]any{"seq": strconv.Itoa(i)}, Meta{})
	}

	events, err := l.Read(ReadFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}
	// Most recent first.
	for i, e := range events {
		if want := strconv.Itoa(n - 1 - i); e.Data["seq"] != want {
			t.Errorf("events[%d].seq = %v, want %s", i, e.Data["seq"], want)
		}
	}

	stats, err := l.ReadStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEvents != n {
		t.Errorf("TotalEvents = %d, want %d", stats.TotalEvents, n)
	}
	if stats.EventsByType[string(KindRequestReceived)] != n {
		t.Errorf("per-kind count = %v", stats.EventsByType)
	}
	if stats.FirstEvent == "" || stats.LastEvent == "" || stats.FirstEvent > stats.LastEvent {
		t.Errorf("bad timestamp range: %q .. %q", stats.FirstEvent, stats.LastEvent)
	}
}

func TestReadFilters(t *testing.T) {
	l := newTestLog(t)
	l.Record(KindRequestReceived, nil, Meta{ClientIP: "10.0.0.1"})
	l.Record(KindPaymentReceived, nil, Meta{ClientIP: "10.0.0.1"})
	l.Record(KindRequestReceived, nil, Meta{ClientIP: "10.0.0.2"})

	byKind, err := l.Read(ReadFilter{Kind: KindPaymentReceived})
	if err != nil {
		t.Fatal(err)
	}
	if len(byKind) != 1 || byKind[0].EventType != KindPaymentReceived {
		t.Errorf("kind filter: %+v", byKind)
	}

	byIP, err := l.Read(ReadFilter{ClientIP: "10.0.0.2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byIP) != 1 || byIP[0].ClientIP != "10.0.0.2" {
		t.Errorf("client filter: %+v", byIP)
	}

	limited, err := l.Read(ReadFilter{MaxEntries: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("max entries: got %d", len(limited))
	}
}

func TestReadSkipsMalformedLines(t *testing.T) {
	l := newTestLog(t)
	l.Record(KindRequestReceived, nil, Meta{})

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{not valid json\n\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	l.Record(KindError, nil, Meta{})

	events, err := l.Read(ReadFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("malformed line should be skipped, got %d events", len(events))
	}
}

func TestMissingLogIsNotAnError(t *testing.T) {
	l := newTestLog(t)

	events, err := l.Read(ReadFilter{})
	if err != nil || len(events) != 0 {
		t.Errorf("Read on missing log: events=%v err=%v", events, err)
	}

	stats, err := l.ReadStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEvents != 0 || stats.LogExists {
		t.Errorf("stats on missing log: %+v", stats)
	}
}

func TestConcurrentRecordsDoNotInterleave(t *testing.T) {
	l := newTestLog(t)

	var wg sync.WaitGroup
	const writers, perWriter = 8, 25
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				l.Record(KindRequestReceived, map[string]any{"padding": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}, Meta{})
			}
		}()
	}
	wg.Wait()

	events, err := l.Read(ReadFilter{MaxEntries: writers * perWriter})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != writers*perWriter {
		t.Fatalf("expected %d intact lines, got %d", writers*perWriter, len(events))
	}
}
