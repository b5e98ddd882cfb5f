package address

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse_RoundTripsString(t *testing.T) {
	t.Parallel()

	var a Address
	for i := range a {
		a[i] = byte(i + 1)
	}
	got, err := Parse(a.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != a {
		t.Fatalf("got %x want %x", got, a)
	}
}

func TestParse_KnownSystemProgram(t *testing.T) {
	t.Parallel()

	// 32 zero bytes encode as 32 '1' characters.
	got, err := Parse("11111111111111111111111111111111")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero address, got %x", got)
	}
}

func TestParse_Rejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "   ", "0OIl", "2g"} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("Parse(%q): expected ErrInvalidAddress, got %v", in, err)
		}
	}
}

func TestAddress_JSON(t *testing.T) {
	t.Parallel()

	var a Address
	a[0] = 0xfe
	a[31] = 0x01

	b, err := json.Marshal(struct {
		A Address `json:"a"`
	}{A: a})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out struct {
		A Address `json:"a"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.A != a {
		t.Fatalf("got %x want %x", out.A, a)
	}
}

func TestParseList(t *testing.T) {
	t.Parallel()

	var a, b Address
	a[0] = 1
	b[0] = 2
	got, err := ParseList(a.String() + ", ," + b.String())
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("unexpected list: %v", got)
	}
}
