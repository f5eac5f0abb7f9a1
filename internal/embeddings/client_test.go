package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresModel(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestEmbedSuccess(t *testing.T) {
	t.Parallel()

	var gotReq embeddingRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0.1, 0.2}},
				{"embedding": []float32{0.3, 0.4}},
			},
		})
	}))
	defer srv.Close()

	c, err := NewClient(Config{APIKey: "sk-test", APIURL: srv.URL, Model: "text-embedding-3-small"})
	require.NoError(t, err)

	vectors, err := c.Embed(context.Background(), []string{"title", "review"}, 512)
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "text-embedding-3-small", gotReq.Model)
	assert.Equal(t, 512, gotReq.Dimensions)
	assert.Equal(t, []string{"title", "review"}, gotReq.Input)
}

func TestEmbedNonSuccessStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewClient(Config{APIURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), []string{"text"}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}

func TestEmbedVectorCountMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
	}))
	defer srv.Close()

	c, err := NewClient(Config{APIURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), []string{"text"}, 0)
	require.Error(t, err)
}

func TestEmbedRequiresInputs(t *testing.T) {
	t.Parallel()

	c, err := NewClient(Config{Model: "m"})
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), nil, 0)
	require.Error(t, err)
}
