package repository

import (
	"encoding/json"
	"testing"
)

func TestTrimOrDefault(t *testing.T) {
	tests := []struct {
		in, fallback, want string
	}{
		{"", defaultEnvironment, defaultEnvironment},
		{"   ", defaultEnvironment, defaultEnvironment},
		{" staging ", defaultEnvironment, "staging"},
		{"production", defaultEnvironment, "production"},
		{"", defaultNotifyChannel, defaultNotifyChannel},
		{"  custom_events  ", defaultNotifyChannel, "custom_events"},
	}
	for _, tc := range tests {
		if got := trimOrDefault(tc.in, tc.fallback); got != tc.want {
			t.Errorf("trimOrDefault(%q, %q) = %q, want %q", tc.in, tc.fallback, got, tc.want)
		}
	}
}

func TestEnsureJSON(t *testing.T) {
	if got := string(ensureJSON(nil, "{}")); got != "{}" {
		t.Fatalf("ensureJSON(nil) = %q, want %q", got, "{}")
	}
	if got := string(ensureJSON(json.RawMessage(`{"a":1}`), "{}")); got != `{"a":1}` {
		t.Fatalf("ensureJSON(non-empty) = %q, want %q", got, `{"a":1}`)
	}
}

func TestMarshalNotifyPayload(t *testing.T) {
	payload, err := marshalNotifyPayload(Datafile{
		ID:          7,
		Environment: "staging",
		Revision:    "42",
		Content:     json.RawMessage(`{"schemaVersion":"2"}`),
	})
	if err != nil {
		t.Fatalf("marshalNotifyPayload() error = %v", err)
	}

	// NOTIFY payloads are capped at 8000 bytes, so content never travels.
	const want = `{"id":7,"environment":"staging","revision":"42"}`
	if payload != want {
		t.Fatalf("marshalNotifyPayload() = %s, want %s", payload, want)
	}
}

func TestListenStatement(t *testing.T) {
	tests := map[string]string{
		"datafile_events": `LISTEN "datafile_events"`,
		"Mixed-Case":      `LISTEN "Mixed-Case"`,
		`evil"; DROP`:     `LISTEN "evil""; DROP"`,
	}
	for channel, want := range tests {
		if got := listenStatement(channel); got != want {
			t.Errorf("listenStatement(%q) = %q, want %q", channel, got, want)
		}
	}
}
