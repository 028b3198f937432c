package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_Success(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewClient(5*time.Second, zerolog.Nop())
	err := c.Send(context.Background(), Target{URL: server.URL, Headers: map[string]string{"X-Token": "secret"}},
		map[string]string{"jobId": "abc", "status": "completed"})
	require.NoError(t, err)
	assert.Equal(t, "abc", got["jobId"])
	assert.Equal(t, "completed", got["status"])
}

func TestSend_RejectsInvalidTarget(t *testing.T) {
	c := NewClient(5*time.Second, zerolog.Nop())
	err := c.Send(context.Background(), Target{URL: "https://hooks.example/x", Method: "PUT"}, struct{}{})

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, CodeInvalidMethod, ve.Code)
}

func TestSend_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient(5*time.Second, zerolog.Nop())
	err := c.Send(context.Background(), Target{URL: server.URL}, struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestTarget_Validate(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		code   string
	}{
		{name: "default method", target: Target{URL: "https://hooks.example/x"}},
		{name: "explicit post", target: Target{URL: "http://hooks.example/x", Method: "post"}},
		{name: "bad scheme", target: Target{URL: "ftp://hooks.example/x"}, code: CodeInvalidURL},
		{name: "empty url", target: Target{}, code: CodeRequired},
		{name: "get", target: Target{URL: "https://hooks.example/x", Method: "GET"}, code: CodeInvalidMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.code, ve.Code)
		})
	}
}
