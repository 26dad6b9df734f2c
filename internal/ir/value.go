package ir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"unicode/utf16"
)

// IRValue is the sealed set of values an activity may carry across a node
// boundary: IRNull, IRString, IRInt, IRBool, IRArray and IRObject.
// There is no float variant.
type IRValue interface {
	irValue()
}

// IRNull is the absent signal payload. It never appears inside encoded state.
type IRNull struct{}

func (IRNull) irValue() {}

type IRString string

func (IRString) irValue() {}

type IRInt int64

func (IRInt) irValue() {}

type IRBool bool

func (IRBool) irValue() {}

type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject is the shape of a relocatable activity state.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// SortedKeys returns the keys ordered by UTF-16 code units, which is the
// order the canonical encoding writes them in.
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

// compareUTF16 differs from a plain string compare once a key holds a rune
// above U+FFFF: its surrogate pair sorts below U+E000..U+FFFF.
func compareUTF16(a, b string) int {
	return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
}

var errTrailing = errors.New("trailing data after value")

// UnmarshalIRValue parses a single JSON document into an IRValue.
// Floats and null are rejected at any depth.
func UnmarshalIRValue(data []byte) (IRValue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errTrailing
	}
	return fromDecoded(raw)
}

func fromDecoded(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return nil, errors.New("null is not a state value")
	case bool:
		return IRBool(val), nil
	case string:
		return IRString(val), nil
	case json.Number:
		if strings.ContainsAny(string(val), ".eE") {
			return nil, fmt.Errorf("float %s is not a state value", val)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("integer %s overflows int64", val)
		}
		return IRInt(n), nil
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			e, err := fromDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = e
		}
		return arr, nil
	case map[string]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			e, err := fromDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			obj[k] = e
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unexpected decoded type %T", v)
	}
}
