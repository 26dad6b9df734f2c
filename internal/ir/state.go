package ir

import (
	"bytes"
	"fmt"
)

var nullJSON = []byte("null")

// EncodeState returns the canonical bytes of an activity state.
// A nil state encodes as the empty object.
func EncodeState(state IRObject) ([]byte, error) {
	if state == nil {
		state = IRObject{}
	}
	return MarshalCanonical(state)
}

// DecodeState parses bytes produced by EncodeState.
func DecodeState(data []byte) (IRObject, error) {
	v, err := UnmarshalIRValue(data)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	obj, ok := v.(IRObject)
	if !ok {
		return nil, fmt.Errorf("decode state: want object, got %T", v)
	}
	return obj, nil
}

// EncodePayload returns the canonical bytes of a signal payload.
// Signals without a payload (nil or IRNull) encode as JSON null.
func EncodePayload(v IRValue) ([]byte, error) {
	switch v.(type) {
	case nil, IRNull:
		return append([]byte(nil), nullJSON...), nil
	}
	return MarshalCanonical(v)
}

// DecodePayload parses bytes produced by EncodePayload.
func DecodePayload(data []byte) (IRValue, error) {
	if bytes.Equal(bytes.TrimSpace(data), nullJSON) {
		return IRNull{}, nil
	}
	v, err := UnmarshalIRValue(data)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// GetInt returns the integer stored under key.
func (obj IRObject) GetInt(key string) (int64, error) {
	v, ok := obj[key]
	if !ok {
		return 0, fmt.Errorf("missing key %q", key)
	}
	n, ok := v.(IRInt)
	if !ok {
		return 0, fmt.Errorf("key %q: want int, got %T", key, v)
	}
	return int64(n), nil
}

// GetString returns the string stored under key.
func (obj IRObject) GetString(key string) (string, error) {
	v, ok := obj[key]
	if !ok {
		return "", fmt.Errorf("missing key %q", key)
	}
	s, ok := v.(IRString)
	if !ok {
		return "", fmt.Errorf("key %q: want string, got %T", key, v)
	}
	return string(s), nil
}
