package dummy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestEndpoints(t *testing.T) {
	srv := httptest.NewServer(Handler(ServerConfig{Scale: 0.001}))
	defer srv.Close()

	code, body := get(t, srv.URL+"/fast")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Fast response", body)

	code, body = get(t, srv.URL+"/page/hi")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<title>hi</title>")

	code, body = get(t, srv.URL+"/json")
	assert.Equal(t, http.StatusOK, code)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.Equal(t, "ok", doc["status"])

	code, _ = get(t, srv.URL+"/nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestErrorEndpointMix(t *testing.T) {
	srv := httptest.NewServer(Handler(ServerConfig{}))
	defer srv.Close()

	seen := map[int]int{}
	for i := 0; i < 300; i++ {
		code, _ := get(t, srv.URL+"/error")
		seen[code]++
	}
	for code := range seen {
		assert.Contains(t, []int{200, 429, 500}, code)
	}
	assert.Greater(t, seen[200], 0)
	assert.Greater(t, seen[500]+seen[429], 0)
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := Start(ctx, ServerConfig{Port: 0, Scale: 0.001}, nil)
	require.NoError(t, err)
	require.NotNil(t, srv)
	cancel()
}
