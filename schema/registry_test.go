package schema

import (
	"errors"
	"math"
	"testing"

	"github.com/freehandle/ledger/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageFields() []Field {
	return []Field{
		Uint("thread", 64),
		Int("score", 16),
		String("author"),
		Bytes("content"),
	}
}

func TestRegisterAndResolve(t *testing.T) {
	registry := NewRegistry()
	message, err := registry.Register("message", messageFields()...)
	require.NoError(t, err)
	assert.Equal(t, DefinitionID("message"), message.ID)

	again, err := registry.Register("message", messageFields()...)
	require.NoError(t, err)
	assert.Same(t, message, again)

	_, err = registry.Register("message", String("author"))
	assert.ErrorIs(t, err, ErrDuplicateDefinition)

	resolved, err := registry.Resolve(message.ID)
	require.NoError(t, err)
	assert.Same(t, message, resolved)

	_, err = registry.Resolve(message.ID + 1)
	assert.ErrorIs(t, err, ErrUnknownDefinition)

	_, err = registry.Register("broken", String("a"), String("a"))
	assert.Error(t, err)
	_, err = registry.Register("broken", Field{Name: "x"})
	assert.Error(t, err)
}

func TestFingerprintAgreesAcrossRegistries(t *testing.T) {
	first := NewRegistry().MustRegister("message", messageFields()...)
	second := NewRegistry().MustRegister("message", messageFields()...)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())

	reordered := messageFields()
	reordered[0], reordered[1] = reordered[1], reordered[0]
	other := NewRegistry()
	third := other.MustRegister("message", reordered...)
	assert.NotEqual(t, first.Fingerprint(), third.Fingerprint())

	err := other.Compatible(first.ID, first.Fingerprint())
	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "message", mismatch.Name)
	assert.NoError(t, other.Compatible(third.ID, third.Fingerprint()))
}

func TestValuesRoundTrip(t *testing.T) {
	definition := NewRegistry().MustRegister("message", messageFields()...)
	payload, err := definition.Encode(Values{
		"thread":  uint64(12),
		"score":   -300,
		"author":  "ana",
		"content": []byte(`{"text":"hi"}`),
	})
	require.NoError(t, err)
	values, err := definition.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, Values{
		"thread":  uint64(12),
		"score":   int64(-300),
		"author":  "ana",
		"content": []byte(`{"text":"hi"}`),
	}, values)

	empty, err := definition.Encode(Values{})
	require.NoError(t, err)
	values, err = definition.Decode(empty)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), values["thread"])
	assert.Equal(t, "", values["author"])
}

func TestEncodeRejectsInvalidValues(t *testing.T) {
	definition := NewRegistry().MustRegister("message", messageFields()...)
	_, err := definition.Encode(Values{"score": 1 << 20})
	assert.ErrorIs(t, err, ErrInvalidValue)
	_, err = definition.Encode(Values{"thread": -1})
	assert.ErrorIs(t, err, ErrInvalidValue)
	_, err = definition.Encode(Values{"title": "x"})
	assert.ErrorIs(t, err, ErrInvalidValue)
	_, err = definition.Encode(Values{"author": 3})
	assert.ErrorIs(t, err, ErrInvalidValue)

	// numbers decoded from JSON arrive as float64
	wide := NewRegistry().MustRegister("wide", Uint("n", 64), Int("i", 64))
	for _, values := range []Values{
		{"n": float64(1 << 64)},
		{"i": float64(1 << 63)},
		{"i": -float64(1<<63) * 2},
		{"n": 1.5},
	} {
		_, err = wide.Encode(values)
		assert.ErrorIs(t, err, ErrInvalidValue, "%v", values)
	}
	payload, err := wide.Encode(Values{"n": float64(1 << 63), "i": -float64(1 << 63)})
	require.NoError(t, err)
	decoded, err := wide.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<63), decoded["n"])
	assert.Equal(t, int64(math.MinInt64), decoded["i"])
	assert.Zero(t, wire.Default.Outstanding())
}

func TestDecodeRejectsForeignPayload(t *testing.T) {
	definition := NewRegistry().MustRegister("message", messageFields()...)
	narrow := NewRegistry().MustRegister("narrow", Uint("thread", 8))
	payload, err := definition.Encode(Values{"thread": uint64(4000)})
	require.NoError(t, err)
	assert.ErrorIs(t, narrow.Validate(payload), wire.ErrCorrupt)
	assert.ErrorIs(t, definition.Validate(payload[:len(payload)-1]), wire.ErrCorrupt)
}

func TestParseType(t *testing.T) {
	for _, tp := range []Type{TypeUint8, TypeInt64, TypeString, TypeBytes} {
		parsed, err := ParseType(tp.String())
		require.NoError(t, err)
		assert.Equal(t, tp, parsed)
	}
	_, err := ParseType("float")
	assert.Error(t, err)
	assert.Equal(t, 16, TypeInt16.Bits())
	assert.True(t, TypeUint32.Fixed())
	assert.False(t, TypeString.Fixed())
}
