// Package address defines the 32-byte account address used across the mixer and
// its base58 text encoding.
package address

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

var ErrInvalidAddress = errors.New("address: invalid")

type Address [32]byte

// Zero is the all-zero address. It is never a valid account.
var Zero Address

func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) IsZero() bool {
	return a == Zero
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Parse decodes a base58 address.
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	raw := base58.Decode(s)
	if len(raw) != 32 {
		return Address{}, fmt.Errorf("%w: decoded %d bytes, want 32", ErrInvalidAddress, len(raw))
	}
	var out Address
	copy(out[:], raw)
	return out, nil
}

// MustParse is Parse for package-level constants and tests.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseList parses a comma-separated list of addresses, skipping empty entries.
func ParseList(s string) ([]Address, error) {
	var out []Address
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, err := Parse(part)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
