package events

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEmitter_StdioRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &buf})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	em, err := NewEmitter(p, "custody.audit.v1", func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}

	err = em.Emit(context.Background(), Event{
		Kind:      KindRequestCreated,
		RequestID: 12,
		Amount:    1_000,
		Actor:     "0x00000000000000000000000000000000000000a1",
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	line := strings.TrimSpace(buf.String())
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("unmarshal published event: %v", err)
	}
	if got.Version != "v1" || got.Kind != KindRequestCreated || got.RequestID != 12 || got.Amount != 1_000 {
		t.Fatalf("unexpected event: %+v", got)
	}
	if !got.At.Equal(now) {
		t.Fatalf("event at = %v, want %v", got.At, now)
	}
}

func TestNilEmitter_DropsSilently(t *testing.T) {
	t.Parallel()

	var em *Emitter
	if err := em.Emit(context.Background(), Event{Kind: KindBreakerTripped}); err != nil {
		t.Fatalf("nil emitter must drop: %v", err)
	}
}

func TestNewProducer_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	if _, err := NewProducer(ProducerConfig{Driver: "rabbitmq"}); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	got := SplitCommaList(" a, ,b,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("SplitCommaList = %v", got)
	}
	if SplitCommaList("  ") != nil {
		t.Fatalf("expected nil for blank input")
	}
}
