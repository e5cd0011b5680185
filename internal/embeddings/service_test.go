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

// newTEIServer fakes a text-embeddings-inference endpoint returning one
// fixed-dimension vector per input.
func newTEIServer(t *testing.T, wantAuth string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if wantAuth != "" {
			require.Equal(t, wantAuth, r.Header.Get("Authorization"))
		}

		var req struct {
			Inputs   []string `json:"inputs"`
			Truncate bool     `json:"truncate"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		vectors := make([][]float32, len(req.Inputs))
		for i, text := range req.Inputs {
			vectors[i] = []float32{float32(len(text)), 1, 0}
		}
		require.NoError(t, json.NewEncoder(w).Encode(vectors))
	}))
}

func TestService_EmbedDocuments(t *testing.T) {
	srv := newTEIServer(t, "")
	defer srv.Close()

	s, err := NewService(Config{BaseURL: srv.URL, Dimension: 3}, nil)
	require.NoError(t, err)

	vectors, err := s.EmbedDocuments(context.Background(), []string{"one", "three"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, float32(3), vectors[0][0])
	assert.Equal(t, float32(5), vectors[1][0])
}

func TestService_EmbedDocuments_Empty(t *testing.T) {
	s, err := NewService(Config{BaseURL: "http://localhost:1"}, nil)
	require.NoError(t, err)

	_, err = s.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestService_EmbedQuery(t *testing.T) {
	srv := newTEIServer(t, "")
	defer srv.Close()

	s, err := NewService(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	vector, err := s.EmbedQuery(context.Background(), "a query")
	require.NoError(t, err)
	require.Len(t, vector, 3)
	assert.Equal(t, float32(7), vector[0])
}

func TestService_EmbedQuery_Empty(t *testing.T) {
	s, err := NewService(Config{BaseURL: "http://localhost:1"}, nil)
	require.NoError(t, err)

	_, err = s.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestService_BearerAuth(t *testing.T) {
	srv := newTEIServer(t, "Bearer sesame")
	defer srv.Close()

	s, err := NewService(Config{BaseURL: srv.URL, APIKey: "sesame"}, nil)
	require.NoError(t, err)

	_, err = s.EmbedQuery(context.Background(), "a query")
	require.NoError(t, err)
}

func TestService_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, err := NewService(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = s.EmbedDocuments(context.Background(), []string{"text"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestService_VectorCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([][]float32{{1, 0, 0}})
	}))
	defer srv.Close()

	s, err := NewService(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = s.EmbedDocuments(context.Background(), []string{"one", "two"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestService_Accessors(t *testing.T) {
	s, err := NewService(Config{Model: "custom/model", Dimension: 768}, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom/model", s.Model())
	assert.Equal(t, 768, s.Dimension())
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, "BAAI/bge-small-en-v1.5", cfg.Model)
	assert.Equal(t, 384, cfg.Dimension)
}
