package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"denim/internal/metadata"
)

func TestResolveHeaders(t *testing.T) {
	t.Setenv("DENIM_TEST_TOKEN", "s3cret")

	got := ResolveHeaders(map[string]string{
		"Authorization": "Bearer {{env.DENIM_TEST_TOKEN}}",
		"X-Plain":       "value",
	})
	assert.Equal(t, "Bearer s3cret", got["Authorization"])
	assert.Equal(t, "value", got["X-Plain"])
}

func TestBuildWebhookPayload_Changes(t *testing.T) {
	p := BuildWebhookPayload("post-update", "Employee", metadata.ActionUpdate,
		metadata.Record{"id": "e1", "Salary": float64(2), "Department": &metadata.RelatedRecord{ID: "d1"}},
		metadata.Record{"id": "e1", "Salary": float64(1), "Department": &metadata.RelatedRecord{ID: "d1", Name: "Sales"}},
		&metadata.UserContext{ID: "u1"})

	assert.Equal(t, map[string]any{"Salary": map[string]any{"old": float64(1), "new": float64(2)}}, p.Changes)
	assert.Equal(t, "u1", p.User["id"])
	assert.Contains(t, p.IdempotencyKey, "wh_")
}

func TestWebhooks_FireOnWrites(t *testing.T) {
	var mu sync.Mutex
	var received []WebhookPayload
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p WebhookPayload
		_ = json.Unmarshal(body, &p)
		mu.Lock()
		received = append(received, p)
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	backend := newFakeBackend()
	seedHR(backend)
	reg := metadata.NewRegistry()
	require.NoError(t, reg.Load(&metadata.AppDefinition{
		Name:   "hr",
		Tables: hrTables(),
		Webhooks: []*metadata.Webhook{
			{ID: "salary", Table: "Employee", Stage: "post-update", URL: srv.URL, Condition: "'Salary' in changes", Active: true},
			{ID: "gone", TablePattern: "^Emp", Stage: "post-delete", URL: srv.URL, Active: true},
			{ID: "off", Table: "Employee", Stage: "post-update", URL: srv.URL, Active: false},
		},
	}))
	p := NewProvider(reg, NewBackendSet(backend), NewHooks(), nil, nil)
	NewWebhooks(reg, nil, nil).Register(p.Hooks())
	ctx := context.Background()

	_, err := p.UpdateRecord(ctx, "Employee", "e2", metadata.Record{"Age": float64(31)})
	require.NoError(t, err)
	_, err = p.UpdateRecord(ctx, "Employee", "e2", metadata.Record{"Salary": float64(550)})
	require.NoError(t, err)
	require.NoError(t, p.DeleteRecord(ctx, "Employee", "e3"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, "post-update", received[0].Event)
	assert.Equal(t, float64(550), received[0].Record["Salary"])
	assert.Equal(t, "post-delete", received[1].Event)
	assert.Equal(t, "Carl", received[1].Record["Name"])
	assert.Equal(t, received[0].IdempotencyKey, keys[0])
}

func TestWebhooks_SyncFailureAbortsOperation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	backend := newFakeBackend()
	reg := metadata.NewRegistry()
	require.NoError(t, reg.Load(&metadata.AppDefinition{
		Name:     "hr",
		Tables:   hrTables(),
		Webhooks: []*metadata.Webhook{{ID: "audit", Table: "Skill", Stage: "post-create", URL: srv.URL, Active: true}},
	}))
	p := NewProvider(reg, NewBackendSet(backend), NewHooks(), nil, nil)
	NewWebhooks(reg, nil, nil).Register(p.Hooks())

	_, err := p.CreateRecord(context.Background(), "Skill", metadata.Record{"Name": "Rust"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
	assert.Len(t, backend.saves, 1, "the write itself is not rolled back")
}
