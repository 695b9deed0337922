package stream

import (
	"errors"
	"math"
)

// ErrInvalidInput classifies a rejected terminal:input payload (§4.3).
// Callers map it onto the INVALID_INPUT wire error code.
var ErrInvalidInput = errors.New("stream: invalid input")

// ErrInputTooLarge classifies an oversized terminal:input payload.
var ErrInputTooLarge = errors.New("stream: input exceeds maximum size")

// Validator enforces the Input Validator contract: inbound keystrokes must
// decode to a byte buffer, whether the wire payload was a JSON string or a
// raw byte array, and must not exceed MaxInputBytes.
type Validator struct {
	MaxInputBytes int
}

// NewValidator creates a Validator with the given per-frame size cap.
func NewValidator(maxInputBytes int) *Validator {
	return &Validator{MaxInputBytes: maxInputBytes}
}

// Validate coerces raw into a byte buffer, rejecting any other shape and any
// buffer over MaxInputBytes. Per §9's dynamic-typing note, terminal:input.data
// travels over the JSON transport as either a string (treated as UTF-8 text)
// or an array of byte values (a raw byte sequence, e.g. `[1, 2, 3]`) —
// encoding/json decodes the latter to []interface{} holding float64s, never
// to a Go []byte, so that shape must be unpacked explicitly. The []byte case
// remains for callers that already hold decoded bytes. Empty input is
// accepted and yields a zero-length slice — useful as a keepalive no-op
// write.
func (v *Validator) Validate(raw any) ([]byte, error) {
	var data []byte
	switch t := raw.(type) {
	case string:
		data = []byte(t)
	case []byte:
		data = t
	case []interface{}:
		buf := make([]byte, len(t))
		for i, elem := range t {
			n, ok := elem.(float64)
			if !ok || n != math.Trunc(n) || n < 0 || n > 255 {
				return nil, ErrInvalidInput
			}
			buf[i] = byte(n)
		}
		data = buf
	case nil:
		return nil, ErrInvalidInput
	default:
		return nil, ErrInvalidInput
	}

	if v.MaxInputBytes > 0 && len(data) > v.MaxInputBytes {
		return nil, ErrInputTooLarge
	}
	return data, nil
}
