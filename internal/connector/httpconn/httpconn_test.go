package httpconn_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/internal/connector"
	"github.com/tandem-run/tandem/internal/connector/httpconn"
	"github.com/tandem-run/tandem/internal/secrets"
)

func newServer(t *testing.T) (*httptest.Server, *http.ServeMux) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, mux
}

func TestConnectSendsBearerToken(t *testing.T) {
	t.Setenv("HTTPCONN_TEST_TOKEN", "tok-123")
	srv, mux := newServer(t)

	var gotAuth string
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	})

	c := httpconn.New(srv.URL, "env://HTTPCONN_TEST_TOKEN", secrets.New())
	res := c.Connect(context.Background())
	require.Equal(t, connector.StatusSuccess, res.Status)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestConnectCredentialFailure(t *testing.T) {
	srv, _ := newServer(t)
	c := httpconn.New(srv.URL, "env://HTTPCONN_TEST_MISSING", secrets.New())
	res := c.Connect(context.Background())
	assert.Equal(t, connector.StatusError, res.Status)
	assert.Contains(t, res.Message, "credential resolution failed")
}

func TestCRUDRoundTrip(t *testing.T) {
	srv, mux := newServer(t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/contact", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "ada", r.URL.Query().Get("name"))
			_ = json.NewEncoder(w).Encode([]map[string]any{{"id": "c1"}})
		case http.MethodPost:
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "c1", payload["id"])
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(payload)
		}
	})
	mux.HandleFunc("/contact/c1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodPut:
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "c1"})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	ctx := context.Background()
	c := httpconn.New(srv.URL, "", secrets.New())
	require.Equal(t, connector.StatusSuccess, c.Connect(ctx).Status)

	res := c.ListResources(ctx, "contact", map[string]any{"name": "ada"})
	require.Equal(t, connector.StatusSuccess, res.Status)
	assert.Len(t, res.Data, 1)

	res = c.CreateResource(ctx, "contact", map[string]any{"id": "c1"})
	require.Equal(t, connector.StatusSuccess, res.Status)

	res = c.GetResource(ctx, "contact", "c1")
	require.Equal(t, connector.StatusSuccess, res.Status)

	res = c.UpdateResource(ctx, "contact", "c1", map[string]any{"name": "Ada"})
	require.Equal(t, connector.StatusSuccess, res.Status)

	res = c.DeleteResource(ctx, "contact", "c1")
	require.Equal(t, connector.StatusSuccess, res.Status)
	assert.Nil(t, res.Data)

	require.Equal(t, connector.StatusSuccess, c.Disconnect(ctx).Status)
}

func TestDeniedStatuses(t *testing.T) {
	srv, mux := newServer(t)
	mux.HandleFunc("/secret/s1", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/secret", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	ctx := context.Background()
	c := httpconn.New(srv.URL, "", secrets.New())

	assert.Equal(t, connector.StatusDenied, c.GetResource(ctx, "secret", "s1").Status)
	assert.Equal(t, connector.StatusDenied, c.ListResources(ctx, "secret", nil).Status)
}

func TestServerErrorIsErrorResult(t *testing.T) {
	srv, mux := newServer(t)
	mux.HandleFunc("/contact/c1", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	c := httpconn.New(srv.URL, "", secrets.New())
	res := c.GetResource(context.Background(), "contact", "c1")
	assert.Equal(t, connector.StatusError, res.Status)
	assert.Contains(t, res.Message, "boom")
}
