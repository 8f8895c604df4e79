package v1

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeInboundSignal(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"signal","signalType":"offer","payload":{"sdp":"v=0"}}`)
	sig, err := DecodeInbound(raw)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if sig.SignalType != "offer" {
		t.Fatalf("signalType = %q", sig.SignalType)
	}
	if err := sig.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if string(sig.Payload) != `{"sdp":"v=0"}` {
		t.Fatalf("payload not preserved verbatim: %s", sig.Payload)
	}
}

func TestDecodeInboundErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{{{`, ErrMalformed},
		{"unknown type", `{"type":"teleport"}`, ErrUnknownType},
		{"missing type", `{"signalType":"offer"}`, ErrUnknownType},
	}
	for _, tc := range cases {
		_, err := DecodeInbound([]byte(tc.raw))
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestSignalValidateRequiresSignalType(t *testing.T) {
	t.Parallel()

	sig := Signal{Type: TypeSignal, SignalType: "   "}
	if err := sig.Validate(); err == nil {
		t.Fatalf("blank signalType must fail validation")
	}
}

func TestStatusOmitsNothingNullable(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Status{Type: TypeStatus, Token: "tok", Status: "issued"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Clients key off explicit nulls for the not-yet-started live window.
	for _, want := range []string{`"session_started_at":null`, `"session_expires_at":null`, `"remaining_seconds":null`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("status missing %s: %s", want, data)
		}
	}
}
