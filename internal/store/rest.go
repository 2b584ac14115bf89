package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"denim/internal/engine"
	"denim/internal/metadata"
	"denim/internal/query"
)

// RESTBackend serves tables from a remote JSON API laid out as
// {base}/{table}[/{id}]. The remote returns plain records; conditions are
// evaluated locally over the fetched list.
type RESTBackend struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.SugaredLogger
}

func NewRESTBackend(baseURL, token string, timeout time.Duration, logger *zap.SugaredLogger) *RESTBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RESTBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (b *RESTBackend) url(table *metadata.Table, id string) string {
	u := b.baseURL + "/" + url.PathEscape(table.Key())
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

// do sends a request and decodes the JSON response into out. A 404 is
// reported as engine.ErrRecordNotFound.
func (b *RESTBackend) do(ctx context.Context, method, u string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return engine.ErrRecordNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (b *RESTBackend) Retrieve(ctx context.Context, table *metadata.Table, id string) (metadata.Record, error) {
	var rec metadata.Record
	err := b.do(ctx, http.MethodGet, b.url(table, id), nil, &rec)
	if errors.Is(err, engine.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *RESTBackend) Query(ctx context.Context, table *metadata.Table, q *metadata.Query) ([]metadata.Record, error) {
	var recs []metadata.Record
	if err := b.do(ctx, http.MethodGet, b.url(table, ""), nil, &recs); err != nil {
		return nil, err
	}
	b.logger.Debugw("remote records fetched", "table", table.Name, "count", len(recs))
	return query.Apply(table, recs, q)
}

func (b *RESTBackend) Save(ctx context.Context, table *metadata.Table, rec metadata.Record) (metadata.Record, error) {
	body := wireRecord(table, rec)
	var saved metadata.Record
	var err error
	if id := rec.ID(); id == "" {
		err = b.do(ctx, http.MethodPost, b.url(table, ""), body, &saved)
	} else {
		err = b.do(ctx, http.MethodPatch, b.url(table, id), body, &saved)
	}
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (b *RESTBackend) Delete(ctx context.Context, table *metadata.Table, id string) error {
	return b.do(ctx, http.MethodDelete, b.url(table, id), nil, nil)
}

// wireRecord reduces foreign key values to ids before they leave the process.
func wireRecord(table *metadata.Table, rec metadata.Record) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	for _, col := range table.ForeignKeys() {
		v, ok := out[col.Name]
		if !ok || v == nil {
			continue
		}
		ids := metadata.ReferenceIDs(v)
		if col.ForeignKey().Multiple {
			if ids == nil {
				ids = []string{}
			}
			out[col.Name] = ids
		} else if len(ids) > 0 {
			out[col.Name] = ids[0]
		} else {
			out[col.Name] = nil
		}
	}
	return out
}

var _ engine.Backend = (*RESTBackend)(nil)
