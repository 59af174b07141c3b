package dav2err

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCarriesCode(t *testing.T) {
	err := New(NotFound, "object 7 missing")
	code, ok := CodeOf(err)
	require.True(t, ok)
	require.Equal(t, NotFound, code)
	require.True(t, Is(err, NotFound))
	require.False(t, Is(err, Exists))
}

func TestWrapNilReturnsNil(t *testing.T) {
	require.NoError(t, Wrap(Fatal, nil, "should stay nil"))
}

func TestWrapPreservesUnderlyingError(t *testing.T) {
	err := Wrap(OutOfSpace, io.EOF, "reserving block")
	require.True(t, Is(err, OutOfSpace))
	require.ErrorIs(t, err, io.EOF)
}

func TestCodeOfUntaggedErrorIsFalse(t *testing.T) {
	_, ok := CodeOf(io.EOF)
	require.False(t, ok)
}

func TestCodeStringIsHumanReadable(t *testing.T) {
	require.Equal(t, "out of space", OutOfSpace.String())
	require.Equal(t, "unknown error code", Code(99).String())
}
