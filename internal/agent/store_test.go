package agent

import (
	"testing"
	"time"
)

func TestEncodeCursorRoundTrip(t *testing.T) {
	ts := time.Date(2025, 11, 3, 9, 45, 0, 123456789, time.UTC)
	id := "3f1c9a2e-5b7d-4a10-9c3e-8d2f6b1a0c44"

	cursor := encodeCursor(ts, id)
	if cursor == "" {
		t.Fatal("expected non-empty cursor")
	}

	gotTime, gotID, err := decodeCursor(cursor)
	if err != nil {
		t.Fatalf("unexpected error decoding cursor: %v", err)
	}
	if !gotTime.Equal(ts) {
		t.Errorf("time mismatch: got %v, want %v", gotTime, ts)
	}
	if gotID != id {
		t.Errorf("id mismatch: got %q, want %q", gotID, id)
	}
}

func TestDecodeCursorInvalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{"invalid base64", "not-valid-base64!!!"},
		{"missing separator", "bm9waXBl"},            // "nopipe"
		{"invalid time", "YmFkLXRpbWV8c29tZS1pZA=="}, // "bad-time|some-id"
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := decodeCursor(tt.cursor); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
