package stream

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_AcceptsString(t *testing.T) {
	v := NewValidator(1024)
	data, err := v.Validate("hello")
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestValidator_AcceptsBytes(t *testing.T) {
	v := NewValidator(1024)
	data, err := v.Validate([]byte{1, 2, 3})
	assert.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestValidator_AcceptsEmptyString(t *testing.T) {
	v := NewValidator(1024)
	data, err := v.Validate("")
	assert.NoError(t, err)
	assert.Empty(t, data)
}

func TestValidator_RejectsNil(t *testing.T) {
	v := NewValidator(1024)
	_, err := v.Validate(nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestValidator_RejectsUnsupportedType(t *testing.T) {
	v := NewValidator(1024)
	_, err := v.Validate(42)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestValidator_RejectsOversizedInput(t *testing.T) {
	v := NewValidator(8)
	_, err := v.Validate(strings.Repeat("a", 9))
	assert.ErrorIs(t, err, ErrInputTooLarge)
}

func TestValidator_NoLimitWhenMaxIsZero(t *testing.T) {
	v := NewValidator(0)
	data, err := v.Validate(strings.Repeat("a", 100000))
	assert.NoError(t, err)
	assert.Len(t, data, 100000)
}

// TestValidator_AcceptsJSONByteArray exercises the actual wire path: a
// terminal:input payload's "data" field decoded by encoding/json never
// produces a Go []byte, so this must go through json.Unmarshal into an
// interface{}-typed field rather than a hand-built []byte literal.
func TestValidator_AcceptsJSONByteArray(t *testing.T) {
	var payload struct {
		Data any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"data":[1,2,3]}`), &payload))

	v := NewValidator(1024)
	data, err := v.Validate(payload.Data)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestValidator_RejectsJSONByteArrayWithOutOfRangeValue(t *testing.T) {
	var payload struct {
		Data any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"data":[1,2,300]}`), &payload))

	v := NewValidator(1024)
	_, err := v.Validate(payload.Data)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestValidator_RejectsJSONByteArrayWithNonIntegerValue(t *testing.T) {
	var payload struct {
		Data any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"data":[1,2.5,3]}`), &payload))

	v := NewValidator(1024)
	_, err := v.Validate(payload.Data)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
