package ioutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnippet(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		limit int64
		want  string
	}{
		{name: "short body", body: `{"error":"invalid_token"}`, limit: 512, want: `{"error":"invalid_token"}`},
		{name: "exact limit", body: "hello", limit: 5, want: "hello"},
		{name: "truncated", body: "hello world", limit: 5, want: "hello..."},
		{name: "collapses whitespace", body: "<html>\n  <body>bad gateway</body>\n</html>", limit: 512, want: "<html> <body>bad gateway</body> </html>"},
		{name: "empty", body: "", limit: 512, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Snippet(strings.NewReader(tt.body), tt.limit))
		})
	}
}

func TestSnippetReadError(t *testing.T) {
	r := &failingReader{err: fmt.Errorf("connection reset")}
	assert.Equal(t, "<unreadable: connection reset>", Snippet(r, 1024))
}

func TestDrain(t *testing.T) {
	r := strings.NewReader("abcdef")
	Drain(r, 4)
	assert.Equal(t, 2, r.Len())
}

type failingReader struct {
	err error
}

func (r *failingReader) Read(_ []byte) (int, error) {
	return 0, r.err
}
