package message

import (
	"errors"
	"testing"
	"time"

	"github.com/openglass/lenshub/pkg/streamkey"
)

func TestDecode(t *testing.T) {
	t.Run("known type", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"vad","status":"true"}`))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if env.Type != TypeVAD {
			t.Errorf("type = %q, want vad", env.Type)
		}
		msg, err := As[VADStatus](env)
		if err != nil {
			t.Fatalf("As: %v", err)
		}
		if !bool(msg.Status) {
			t.Error("string-form VAD status not parsed as true")
		}
	})

	t.Run("unknown type passes through", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"head_up_angle","angle":30}`))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if env.Type != "head_up_angle" {
			t.Errorf("type = %q", env.Type)
		}
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := Decode([]byte(`{"angle":30}`))
		if !errors.Is(err, ErrUnknownType) {
			t.Errorf("err = %v, want ErrUnknownType", err)
		}
	})

	t.Run("not json", func(t *testing.T) {
		if _, err := Decode([]byte("nope")); err == nil {
			t.Error("expected an error for non-JSON input")
		}
	})
}

func TestTimestamp(t *testing.T) {
	t.Run("rfc3339", func(t *testing.T) {
		var ts Timestamp
		if err := ts.UnmarshalJSON([]byte(`"2026-01-02T15:04:05Z"`)); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		want := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
		if !ts.Time.Equal(want) {
			t.Errorf("got %v, want %v", ts.Time, want)
		}
	})

	t.Run("epoch millis", func(t *testing.T) {
		var ts Timestamp
		if err := ts.UnmarshalJSON([]byte(`1767366245000`)); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ts.Time.UnixMilli() != 1767366245000 {
			t.Errorf("got %v", ts.Time)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		var ts Timestamp
		if err := ts.UnmarshalJSON([]byte(`[1,2]`)); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestSubscriptionEntry(t *testing.T) {
	t.Run("string form", func(t *testing.T) {
		msg, err := As[SubscriptionUpdate](mustDecode(t,
			`{"type":"subscription_update","subscriptions":["transcription","calendar-event"]}`))
		if err != nil {
			t.Fatalf("As: %v", err)
		}
		if len(msg.Subscriptions) != 2 {
			t.Fatalf("got %d entries", len(msg.Subscriptions))
		}
		if got := msg.Subscriptions[0].Key(); got != streamkey.DefaultTranscription {
			t.Errorf("bare transcription entry keyed as %q", got)
		}
		if got := msg.Subscriptions[1].Key(); got != streamkey.CalendarEvent {
			t.Errorf("calendar entry keyed as %q", got)
		}
	})

	t.Run("object form with rate", func(t *testing.T) {
		msg, err := As[SubscriptionUpdate](mustDecode(t,
			`{"type":"subscription_update","subscriptions":[{"stream":"location-stream","rate":"high"}]}`))
		if err != nil {
			t.Fatalf("As: %v", err)
		}
		if got := msg.Subscriptions[0].Key(); got != streamkey.WithLocationRate("high") {
			t.Errorf("rated location entry keyed as %q", got)
		}
	})

	t.Run("roundtrip", func(t *testing.T) {
		e := SubscriptionEntry{Stream: streamkey.LocationStream, Rate: "realtime"}
		data, err := e.MarshalJSON()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var back SubscriptionEntry
		if err := back.UnmarshalJSON(data); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if back != e {
			t.Errorf("roundtrip changed entry: %+v → %+v", e, back)
		}
	})
}

func mustDecode(t *testing.T, frame string) Envelope {
	t.Helper()
	env, err := Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode(%s): %v", frame, err)
	}
	return env
}
