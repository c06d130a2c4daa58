// Package address validates and encodes bech32 account addresses.
package address

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	// ErrPrefixMismatch also matches ErrInvalidAddress.
	ErrPrefixMismatch = fmt.Errorf("%w: prefix mismatch", ErrInvalidAddress)
)

// Decoded is a checksum-verified address split into prefix and payload.
type Decoded struct {
	Address string
	Prefix  string
	Bytes   []byte
}

type prefixError struct {
	expected string
}

func (e *prefixError) Error() string {
	return fmt.Sprintf("invalid address: must start with %q", e.expected)
}

func (e *prefixError) Is(target error) bool {
	return target == ErrPrefixMismatch || target == ErrInvalidAddress
}

type syntaxError struct {
	cause error
}

func (e *syntaxError) Error() string {
	return "invalid address: not a valid bech32 address"
}

func (e *syntaxError) Is(target error) bool {
	return target == ErrInvalidAddress
}

func (e *syntaxError) Unwrap() error {
	return e.cause
}

// Validate decodes addr and checks that its prefix equals expectedPrefix.
func Validate(addr, expectedPrefix string) (Decoded, error) {
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return Decoded{}, &syntaxError{cause: err}
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return Decoded{}, &syntaxError{cause: err}
	}
	if len(payload) == 0 {
		return Decoded{}, &syntaxError{cause: errors.New("empty payload")}
	}
	if hrp != expectedPrefix {
		return Decoded{}, &prefixError{expected: expectedPrefix}
	}
	return Decoded{Address: addr, Prefix: hrp, Bytes: payload}, nil
}

// Encode renders raw account bytes as a bech32 string.
func Encode(prefix string, payload []byte) (string, error) {
	data, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert bits: %w", err)
	}
	return bech32.Encode(prefix, data)
}
