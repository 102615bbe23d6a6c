package syncx

import (
	"encoding/base64"
	"testing"

	"github.com/google/uuid"
)

func TestCursorEncode(t *testing.T) {
	id := uuid.MustParse("c1d9b7dc-a1b2-4c3d-9e8f-7a6b5c4d3e2f")

	tests := []struct {
		name   string
		cursor Cursor
		raw    string
	}{
		{
			name:   "normal cursor",
			cursor: Cursor{Ms: 1730635200000, ID: id},
			raw:    "1730635200000|c1d9b7dc-a1b2-4c3d-9e8f-7a6b5c4d3e2f",
		},
		{
			name:   "zero timestamp keeps id",
			cursor: Cursor{Ms: 0, ID: id},
			raw:    "0|c1d9b7dc-a1b2-4c3d-9e8f-7a6b5c4d3e2f",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cursor.Encode()
			want := base64.RawURLEncoding.EncodeToString([]byte(tt.raw))
			if got != want {
				t.Errorf("Encode() = %v, want %v", got, want)
			}
		})
	}

	if got := (Cursor{}).Encode(); got != "" {
		t.Errorf("zero cursor Encode() = %q, want empty", got)
	}
}

func TestDecodeCursor(t *testing.T) {
	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name      string
		encoded   string
		wantMs    int64
		wantValid bool
	}{
		{name: "valid", encoded: enc("1730635200000|c1d9b7dc-a1b2-4c3d-9e8f-7a6b5c4d3e2f"), wantMs: 1730635200000, wantValid: true},
		{name: "empty", encoded: "", wantValid: false},
		{name: "invalid base64", encoded: "not-base64!!!", wantValid: false},
		{name: "no separator", encoded: enc("1234567890"), wantValid: false},
		{name: "invalid timestamp", encoded: enc("abc|c1d9b7dc-a1b2-4c3d-9e8f-7a6b5c4d3e2f"), wantValid: false},
		{name: "invalid uuid", encoded: enc("123456|not-a-uuid"), wantValid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, valid := DecodeCursor(tt.encoded)
			if valid != tt.wantValid {
				t.Fatalf("DecodeCursor() valid = %v, want %v", valid, tt.wantValid)
			}
			if valid && got.Ms != tt.wantMs {
				t.Errorf("DecodeCursor() Ms = %v, want %v", got.Ms, tt.wantMs)
			}
			if !valid && !got.IsZero() {
				t.Errorf("invalid cursor should decode to zero value, got %+v", got)
			}
		})
	}
}

func TestCursorRoundTrip(t *testing.T) {
	original := Cursor{Ms: 1730635200000, ID: uuid.New()}
	decoded, ok := DecodeCursor(original.Encode())
	if !ok {
		t.Fatal("DecodeCursor() failed for valid cursor")
	}
	if decoded != original {
		t.Errorf("round trip = %+v, want %+v", decoded, original)
	}
}

func TestCursorAfter(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	b := uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	c := Cursor{Ms: 100, ID: a}

	if !c.After(101, a) {
		t.Error("later timestamp should sort after cursor")
	}
	if c.After(99, b) {
		t.Error("earlier timestamp should not sort after cursor")
	}
	if !c.After(100, b) {
		t.Error("same timestamp with larger id should sort after cursor")
	}
	if c.After(100, a) {
		t.Error("cursor position itself is not after the cursor")
	}
}

func TestRFC3339(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{1730635200000, "2024-11-03T12:00:00Z"},
		{0, "1970-01-01T00:00:00Z"},
		{1730635200123, "2024-11-03T12:00:00.123Z"},
	}
	for _, tt := range tests {
		if got := RFC3339(tt.ms); got != tt.want {
			t.Errorf("RFC3339(%d) = %v, want %v", tt.ms, got, tt.want)
		}
	}
}
