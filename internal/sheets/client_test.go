package sheets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetbridge/sheetbridge/internal/store"
)

func TestClient_NotConfigured(t *testing.T) {
	c := NewClient(Options{})
	assert.False(t, c.Configured())

	_, err := c.Pull(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)

	err = c.Push(context.Background(), []store.Record{{"a": "b"}})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestClient_PullMapsHeaderRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Contains(t, r.URL.Path, "/v4/spreadsheets/sheet-1/values/")

		json.NewEncoder(w).Encode(map[string]any{
			"values": [][]any{
				{"id", "name", "qty"},
				{"1", "widget", "3"},
				{"2", "gadget"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Token: "tok", SheetID: "sheet-1"})
	rows, err := c.Pull(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, store.Record{"id": "1", "name": "widget", "qty": "3"}, rows[0])

	// Short rows pad missing trailing cells with nil.
	assert.Equal(t, store.Record{"id": "2", "name": "gadget", "qty": nil}, rows[1])
}

func TestClient_PullEmptySheet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Token: "tok", SheetID: "s"})
	rows, err := c.Pull(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestClient_PullHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Token: "tok", SheetID: "s"})
	_, err := c.Pull(context.Background())
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "quota exceeded")
}

func TestClient_PushChunksByBatchSize(t *testing.T) {
	var (
		mu       sync.Mutex
		requests [][][]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.RawQuery, "valueInputOption=USER_ENTERED")

		var body struct {
			Values [][]any `json:"values"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		mu.Lock()
		requests = append(requests, body.Values)
		mu.Unlock()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Token: "tok", SheetID: "s", BatchSize: 2})

	rows := []store.Record{
		{"id": "1"}, {"id": "2"}, {"id": "3"},
	}
	require.NoError(t, c.Push(context.Background(), rows))

	require.Len(t, requests, 2)
	assert.Len(t, requests[0], 2)
	assert.Len(t, requests[1], 1)
}

func TestClient_PushNothing(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://unreachable.invalid", Token: "tok", SheetID: "s"})
	assert.NoError(t, c.Push(context.Background(), nil))
}

func TestRecordValues_SortedColumns(t *testing.T) {
	values := recordValues(store.Record{"b": 2, "a": 1, "c": 3})
	assert.Equal(t, []any{1, 2, 3}, values)
}
