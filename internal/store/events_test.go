package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"denim/internal/instrument"
)

func ptr(s string) *string { return &s }

func TestEvents_WriteListTrace(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	events := []instrument.Event{
		{TraceID: "t1", SpanID: "s1", EventType: "request", Source: "http", Component: "request", Action: "GET", Status: ptr("ok"), CreatedAt: now},
		{TraceID: "t1", SpanID: "s2", ParentSpanID: ptr("s1"), EventType: "span", Source: "engine", Component: "provider", Action: "retrieve", Entity: ptr("Employee"), Status: ptr("ok"), Metadata: map[string]any{"count": 2}, CreatedAt: now.Add(time.Millisecond)},
		{TraceID: "t2", SpanID: "s3", EventType: "span", Source: "engine", Component: "provider", Action: "delete", Status: ptr("error"), CreatedAt: now.Add(2 * time.Millisecond)},
	}
	require.NoError(t, s.WriteEvents(ctx, events))
	require.NoError(t, s.WriteEvents(ctx, nil))

	rows, total, err := s.ListEvents(ctx, EventFilter{Source: "engine"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, rows, 2)
	assert.Equal(t, "s3", rows[0]["span_id"], "newest first")

	rows, total, err = s.ListEvents(ctx, EventFilter{Status: "error", PerPage: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, rows, 1)

	trace, err := s.TraceEvents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, trace, 2)
	assert.Equal(t, "s1", trace[0]["span_id"])
	assert.Equal(t, map[string]any{"count": float64(2)}, trace[1]["metadata"])
}

func TestEvents_Prune(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteEvents(ctx, []instrument.Event{
		{TraceID: "old", SpanID: "a", EventType: "span", Source: "engine", Component: "c", Action: "a", CreatedAt: time.Now().AddDate(0, 0, -30)},
		{TraceID: "new", SpanID: "b", EventType: "span", Source: "engine", Component: "c", Action: "a", CreatedAt: time.Now()},
	}))

	n, err := s.PruneEvents(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, total, err := s.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestCredentials(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	created, err := s.EnsureCredential(ctx, "ann@example.com", "pw", "e1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.EnsureCredential(ctx, "ann@example.com", "other", "e1")
	require.NoError(t, err)
	assert.False(t, created)

	c, err := s.CredentialByEmail(ctx, "ann@example.com")
	require.NoError(t, err)
	assert.Equal(t, "e1", c.UserID)
	assert.True(t, c.Active)
	assert.NotEqual(t, "pw", c.PasswordHash)

	byID, err := s.CredentialByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Email, byID.Email)

	_, err = s.CredentialByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshTokens(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	_, err := s.EnsureCredential(ctx, "ann@example.com", "pw", "e1")
	require.NoError(t, err)
	c, err := s.CredentialByEmail(ctx, "ann@example.com")
	require.NoError(t, err)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.CreateRefreshToken(ctx, c.ID, "tok", expires))
	require.NoError(t, s.CreateRefreshToken(ctx, c.ID, "stale", time.Now().Add(-time.Hour)))

	rt, err := s.RefreshTokenByValue(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, c.ID, rt.CredentialID)
	assert.True(t, expires.Equal(rt.ExpiresAt))

	n, err := s.PruneRefreshTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.DeleteRefreshToken(ctx, "tok"))
	_, err = s.RefreshTokenByValue(ctx, "tok")
	assert.ErrorIs(t, err, ErrNotFound)
}
