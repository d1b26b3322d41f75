package ioutil

import (
	"fmt"
	"io"
	"strings"
)

// Snippet reads at most limit bytes of r for use in error messages and logs.
// Whitespace runs are collapsed to single spaces and a truncated body ends in
// "...". Read failures are described rather than dropped.
func Snippet(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	truncated := int64(len(body)) > limit
	if truncated {
		body = body[:limit]
	}
	s := strings.Join(strings.Fields(string(body)), " ")
	if truncated {
		s += "..."
	}
	return s
}

// Drain discards up to limit bytes so the connection can be reused
func Drain(r io.Reader, limit int64) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, limit))
}
