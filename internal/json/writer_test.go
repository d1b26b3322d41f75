package json

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		write      func(w http.ResponseWriter)
		wantStatus int
		wantBody   string
	}{
		{
			name:       "bad request",
			write:      func(w http.ResponseWriter) { WriteBadRequest(w, "code is not found, probably expired") },
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"code is not found, probably expired"}`,
		},
		{
			name:       "internal error",
			write:      func(w http.ResponseWriter) { WriteInternalServerError(w, "Internal server error") },
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"Internal server error"}`,
		},
		{
			name:       "rate limited",
			write:      WriteTooManyRequests,
			wantStatus: http.StatusTooManyRequests,
			wantBody:   `{"error":"too many requests"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestWriteMessage(t *testing.T) {
	w := httptest.NewRecorder()
	WriteMessage(w, "logged out")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"logged out"}`, w.Body.String())
}

func TestDecodeLimit(t *testing.T) {
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, Decode(strings.NewReader(`{"code":"abc123"}`), 1024, &body))
	assert.Equal(t, "abc123", body.Code)

	long := `{"code":"` + strings.Repeat("a", 100) + `"}`
	assert.Error(t, Decode(strings.NewReader(long), 16, &body))
}
