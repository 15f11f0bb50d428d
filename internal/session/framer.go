package session

import (
	"bytes"
	"strings"

	"github.com/google/uuid"
)

// NewSentinel returns a token that cannot plausibly appear in engine output.
// Every session generation uses its own.
func NewSentinel() string {
	return "__GAPD_DONE_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
}

// sentinelCommand makes the engine echo token on stderr and then on stdout.
// Both go on one line after the user text so an error in that text cannot
// swallow them.
func sentinelCommand(token string) string {
	return `PrintTo("*errout*", "` + token + `\n"); Print("` + token + `\n");`
}

// Framer splits a byte stream into frames terminated by a sentinel token. It
// accumulates chunks until the token shows up, so a token split over several
// reads is still found. The token and the newline following it are dropped.
type Framer struct {
	token   []byte
	buf     []byte
	scanned int  // prefix of buf already known not to contain the token
	dropLF  bool // token ended the last chunk, its newline is still pending
}

func NewFramer(token string) *Framer {
	return &Framer{token: []byte(token)}
}

// Feed appends chunk and reports the frame once it is complete. Bytes after
// the token stay buffered for the next frame.
func (f *Framer) Feed(chunk []byte) ([]byte, bool) {
	if f.dropLF && len(chunk) > 0 {
		f.dropLF = false
		if chunk[0] == '\n' {
			chunk = chunk[1:]
		}
	}
	f.buf = append(f.buf, chunk...)

	start := max(f.scanned-len(f.token)+1, 0)
	i := bytes.Index(f.buf[start:], f.token)
	if i < 0 {
		f.scanned = len(f.buf)
		return nil, false
	}
	i += start

	out := bytes.Clone(f.buf[:i])
	rest := f.buf[i+len(f.token):]
	switch {
	case len(rest) == 0:
		f.dropLF = true
	case rest[0] == '\n':
		rest = rest[1:]
	}
	f.buf = append(f.buf[:0], rest...)
	f.scanned = 0
	return out, true
}

// Pending returns the number of buffered bytes not yet part of a frame.
func (f *Framer) Pending() int {
	return len(f.buf)
}
