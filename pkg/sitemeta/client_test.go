package sitemeta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenview/visibility-cli/internal/resilience"
)

func TestFetch_TitleAndDescription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
  <title>Acme Corp - Industrial Supplies</title>
  <meta name="description" content="Acme sells industrial supplies.">
</head>
<body><h1>Welcome</h1></body>
</html>`))
	}))
	defer srv.Close()

	client := NewClient(WithScheme("http"))
	hostname := strings.TrimPrefix(srv.URL, "http://")

	meta, err := client.Fetch(context.Background(), hostname)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp - Industrial Supplies", meta.Title)
	assert.Equal(t, "Acme sells industrial supplies.", meta.Description)
}

func TestFetch_OGDescriptionFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><meta property="og:description" content="From og tag"></head></html>`))
	}))
	defer srv.Close()

	client := NewClient(WithScheme("http"))
	meta, err := client.Fetch(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	assert.Equal(t, "From og tag", meta.Description)
	assert.Empty(t, meta.Title)
}

func TestFetch_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(WithScheme("http"))
	_, err := client.Fetch(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.False(t, resilience.IsTransient(err), "a missing homepage is not retryable")
}

func TestFetch_TransientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(WithScheme("http"))
	_, err := client.Fetch(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.True(t, resilience.IsTransient(err), "an overloaded homepage is worth another attempt")
}

func TestParseMetadata_Garbage(t *testing.T) {
	meta := parseMetadata(strings.NewReader("not html at all %%%"))
	assert.Empty(t, meta.Title)
	assert.Empty(t, meta.Description)
}
