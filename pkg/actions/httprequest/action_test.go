package httprequest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weavr-dev/weavr/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestExecuteJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		payload, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"weavr"}`, string(payload))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 7}`))
	}))
	defer server.Close()

	action := NewAction()

	result, err := action.Execute(context.Background(), protocol.ActionContext{
		Config: map[string]any{
			"url":     server.URL,
			"method":  "POST",
			"body":    `{"name":"weavr"}`,
			"headers": map[string]any{"Content-Type": "application/json"},
		},
	}, testLogger())
	require.NoError(t, err)

	response, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, http.StatusCreated, response["status_code"])
	assert.Equal(t, map[string]any{"id": float64(7)}, response["body"])
}

func TestExecuteNonJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer server.Close()

	action := NewAction()

	result, err := action.Execute(context.Background(), protocol.ActionContext{
		Config: map[string]any{"url": server.URL},
	}, testLogger())
	require.NoError(t, err)

	response := result.(map[string]any)
	assert.Equal(t, http.StatusOK, response["status_code"])
	assert.Equal(t, "plain text", response["body"])
}

func TestExecuteMissingURL(t *testing.T) {
	action := NewAction()

	_, err := action.Execute(context.Background(), protocol.ActionContext{
		Config: map[string]any{},
	}, testLogger())
	assert.ErrorIs(t, err, ErrURLMissing)
}
