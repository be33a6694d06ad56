package report_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/1ureka/nub/internal/nub"
	"github.com/1ureka/nub/internal/report"
)

func events(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}

// TestLoggerFields verifies each report becomes one JSON event carrying
// reason, category, address and level.
func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := report.NewLogger(&buf, "node-a", 0, 1)

	addr, _ := nub.ParseAddress("203.0.113.5:9000")
	l.Report(nub.Wrap(nub.Timeout, addr, errors.New("no ack")))
	l.Report(nub.NewError(nub.UnknownMessage, nub.None))
	l.Report(errors.New("plain"))
	l.Report(nil)

	evs := events(t, &buf)
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3", len(evs))
	}

	testCases := []struct {
		level, reason, category, addr string
	}{
		{"warn", "timeout", "transport", "203.0.113.5:9000"},
		{"info", "unknown message", "framing", ""},
		{"info", "general error", "none", ""},
	}
	for i, tc := range testCases {
		ev := evs[i]
		if ev["node"] != "node-a" {
			t.Errorf("event %d: node %v", i, ev["node"])
		}
		if ev["level"] != tc.level || ev["reason"] != tc.reason || ev["category"] != tc.category {
			t.Errorf("event %d: got level=%v reason=%v category=%v, want %s %s %s",
				i, ev["level"], ev["reason"], ev["category"], tc.level, tc.reason, tc.category)
		}
		if got, _ := ev["addr"].(string); got != tc.addr {
			t.Errorf("event %d: got addr %q, want %q", i, got, tc.addr)
		}
	}
}

// TestLoggerRateLimit verifies reports beyond the burst are suppressed and
// counted on the next emitted event.
func TestLoggerRateLimit(t *testing.T) {
	var buf bytes.Buffer
	l := report.NewLogger(&buf, "node-a", 0.001, 2)

	for i := 0; i < 5; i++ {
		l.Report(nub.NewError(nub.CorruptedPacket, nub.None))
	}

	if got := len(events(t, &buf)); got != 2 {
		t.Errorf("got %d events, want 2", got)
	}
	if got := l.Suppressed(); got != 3 {
		t.Errorf("got %d suppressed, want 3", got)
	}
}

// TestFunc verifies the adapter and Discard.
func TestFunc(t *testing.T) {
	var got []error
	var s report.Sink = report.Func(func(err error) { got = append(got, err) })
	s.Report(nub.ErrTimeout)
	report.Discard.Report(nub.ErrTimeout)

	if len(got) != 1 || !errors.Is(got[0], nub.ErrTimeout) {
		t.Errorf("got %v", got)
	}
}
