package session_test

import (
	"strings"
	"testing"

	"github.com/gapd-project/gapd/internal/session"
	"github.com/stretchr/testify/require"
)

const tok = "__GAPD_DONE_0123456789abcdef__"

func TestFramer(t *testing.T) {
	f := session.NewFramer(tok)
	out, done := f.Feed([]byte("2\n" + tok + "\n"))
	require.True(t, done)
	require.Equal(t, "2\n", string(out))
	require.Zero(t, f.Pending())
}

func TestFramer_SplitToken(t *testing.T) {
	stream := "line one\nline two\n" + tok + "\n"
	for size := 1; size <= len(stream); size++ {
		f := session.NewFramer(tok)
		var got []byte
		frames := 0
		for i := 0; i < len(stream); i += size {
			out, done := f.Feed([]byte(stream[i:min(i+size, len(stream))]))
			if done {
				frames++
				got = out
			}
		}
		require.Equal(t, 1, frames, "chunk size %d", size)
		require.Equal(t, "line one\nline two\n", string(got), "chunk size %d", size)
		require.Zero(t, f.Pending(), "chunk size %d", size)
	}
}

func TestFramer_NewlineInNextChunk(t *testing.T) {
	f := session.NewFramer(tok)
	out, done := f.Feed([]byte("a\n" + tok))
	require.True(t, done)
	require.Equal(t, "a\n", string(out))

	out, done = f.Feed([]byte("\nb\n" + tok + "\n"))
	require.True(t, done)
	require.Equal(t, "b\n", string(out))
}

func TestFramer_Remainder(t *testing.T) {
	f := session.NewFramer(tok)
	out, done := f.Feed([]byte("first\n" + tok + "\nsecond\n" + tok + "\ntail"))
	require.True(t, done)
	require.Equal(t, "first\n", string(out))
	require.Equal(t, len("second\n"+tok+"\ntail"), f.Pending())

	out, done = f.Feed(nil)
	require.True(t, done)
	require.Equal(t, "second\n", string(out))

	_, done = f.Feed([]byte(" end\n"))
	require.False(t, done)
	require.Equal(t, len("tail end\n"), f.Pending())
}

func TestFramer_PartialLookalike(t *testing.T) {
	f := session.NewFramer(tok)
	half := tok[:len(tok)/2]
	_, done := f.Feed([]byte(half + "noise\n"))
	require.False(t, done)
	out, done := f.Feed([]byte(tok + "\n"))
	require.True(t, done)
	require.Equal(t, half+"noise\n", string(out))
}

func TestFramer_Empty(t *testing.T) {
	f := session.NewFramer(tok)
	out, done := f.Feed([]byte(tok + "\n"))
	require.True(t, done)
	require.Empty(t, out)
}

func TestNewSentinel(t *testing.T) {
	a, b := session.NewSentinel(), session.NewSentinel()
	require.NotEqual(t, a, b)
	require.True(t, strings.HasPrefix(a, "__GAPD_DONE_"))
	require.NotContains(t, a, "-")
}
