package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeState_Canonical(t *testing.T) {
	state := IRObject{"n": IRInt(20), "pending": IRInt(2), "label": IRString("fib")}

	data, err := EncodeState(state)
	require.NoError(t, err)
	assert.Equal(t, `{"label":"fib","n":20,"pending":2}`, string(data))

	back, err := DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, state, back)
}

func TestEncodeState_NilIsEmptyObject(t *testing.T) {
	data, err := EncodeState(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestDecodeState_RejectsNonObject(t *testing.T) {
	_, err := DecodeState([]byte(`[1,2]`))
	assert.Error(t, err)

	_, err = DecodeState([]byte(`{"x":1.5}`))
	assert.Error(t, err)
}

func TestPayload_RoundTrip(t *testing.T) {
	for _, v := range []IRValue{IRInt(6765), IRString("done"), IRArray{IRBool(true)}, IRNull{}} {
		data, err := EncodePayload(v)
		require.NoError(t, err)
		back, err := DecodePayload(data)
		require.NoError(t, err)
		assert.Equal(t, v, back)
	}

	data, err := EncodePayload(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestStateDigest_StableAndKindSeparated(t *testing.T) {
	a, err := StateDigest("fib", IRObject{"n": IRInt(3)})
	require.NoError(t, err)
	b, err := StateDigest("fib", IRObject{"n": IRInt(3)})
	require.NoError(t, err)
	c, err := StateDigest("sum", IRObject{"n": IRInt(3)})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestPayloadDigest_DomainSeparated(t *testing.T) {
	assert.NotEqual(t, PayloadDigest([]byte("{}")), hashWithDomain(DomainState, []byte("{}")))
}

func TestIRObject_Getters(t *testing.T) {
	obj := IRObject{"n": IRInt(5), "s": IRString("x")}

	n, err := obj.GetInt("n")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	_, err = obj.GetInt("s")
	assert.Error(t, err)
	_, err = obj.GetInt("missing")
	assert.Error(t, err)

	s, err := obj.GetString("s")
	require.NoError(t, err)
	assert.Equal(t, "x", s)
}
