package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"denim/internal/instrument"
	"denim/internal/metadata"
)

var webhookHTTPClient = &http.Client{Timeout: 30 * time.Second}

// WebhookPayload is the JSON body sent to webhook endpoints.
type WebhookPayload struct {
	Event          string          `json:"event"`
	Table          string          `json:"table"`
	Action         string          `json:"action"` // create, update, delete
	Record         metadata.Record `json:"record"`
	Old            metadata.Record `json:"old,omitempty"`
	Changes        map[string]any  `json:"changes,omitempty"`
	User           map[string]any  `json:"user,omitempty"`
	Timestamp      string          `json:"timestamp"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// BuildWebhookPayload constructs the payload for a webhook delivery.
func BuildWebhookPayload(stage, table string, action metadata.Action, record, old metadata.Record, user *metadata.UserContext) *WebhookPayload {
	p := &WebhookPayload{
		Event:          stage,
		Table:          table,
		Action:         string(action),
		Record:         record,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		IdempotencyKey: "wh_" + uuid.New().String(),
	}
	if old != nil {
		p.Old = old
		p.Changes = computeChanges(record, old)
	}
	if user != nil {
		p.User = map[string]any{"id": user.ID, "roles": user.Roles}
	}
	return p
}

// computeChanges returns a map of field -> {old, new} for changed fields.
func computeChanges(record, old metadata.Record) map[string]any {
	changes := map[string]any{}
	flatNew, flatOld := exprRecord(record), exprRecord(old)
	for k, newVal := range flatNew {
		oldVal, exists := flatOld[k]
		if !exists || fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", newVal) {
			changes[k] = map[string]any{"old": oldVal, "new": newVal}
		}
	}
	return changes
}

// ResolveHeaders replaces {{env.VAR_NAME}} in header values with os env values.
func ResolveHeaders(headers map[string]string) map[string]string {
	resolved := make(map[string]string, len(headers))
	for k, v := range headers {
		resolved[k] = resolveEnvVars(v)
	}
	return resolved
}

func resolveEnvVars(s string) string {
	for {
		start := strings.Index(s, "{{env.")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return s
		}
		end += start
		varName := s[start+6 : end]
		s = s[:start] + os.Getenv(varName) + s[end+2:]
	}
}

// DispatchResult holds the outcome of a single webhook HTTP call.
type DispatchResult struct {
	StatusCode   int
	ResponseBody string
	Error        string
}

func (r *DispatchResult) Failed() bool {
	return r.Error != "" || r.StatusCode < 200 || r.StatusCode >= 300
}

// DispatchWebhook performs the HTTP call. url/method/headers are resolved values.
func DispatchWebhook(ctx context.Context, url, method string, headers map[string]string, bodyJSON []byte) *DispatchResult {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "webhook", "dispatcher", "webhook.dispatch")
	defer span.End()
	span.SetMetadata("url", url)
	span.SetMetadata("method", method)

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyJSON))
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", fmt.Sprintf("build request: %v", err))
		return &DispatchResult{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := webhookHTTPClient.Do(req)
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", fmt.Sprintf("http call: %v", err))
		return &DispatchResult{Error: fmt.Sprintf("http call: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024)) // max 64KB

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		span.SetStatus("ok")
	} else {
		span.SetStatus("error")
		span.SetMetadata("error", fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	span.SetMetadata("status_code", resp.StatusCode)

	return &DispatchResult{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(respBody),
	}
}

// Webhooks delivers the registry's active webhooks from the post-write stages.
// Webhooks are looked up on every write, so a schema reload takes effect
// without re-registering hooks.
type Webhooks struct {
	registry  *metadata.Registry
	evaluator ExpressionEvaluator
	logger    *zap.SugaredLogger
}

func NewWebhooks(reg *metadata.Registry, evaluator ExpressionEvaluator, logger *zap.SugaredLogger) *Webhooks {
	if evaluator == nil {
		evaluator = NewExprLangEvaluator()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Webhooks{registry: reg, evaluator: evaluator, logger: logger}
}

// Register installs the webhook hooks on every table.
func (w *Webhooks) Register(h *Hooks) {
	Register(h, AnyTable(), PostCreate, func(ctx context.Context, table *metadata.Table, args WriteArgs) (WriteArgs, error) {
		return args, w.fire(ctx, PostCreate.String(), table, metadata.ActionCreate, args.Record, nil)
	})
	Register(h, AnyTable(), PostUpdate, func(ctx context.Context, table *metadata.Table, args WriteArgs) (WriteArgs, error) {
		return args, w.fire(ctx, PostUpdate.String(), table, metadata.ActionUpdate, args.Record, args.Existing)
	})
	// The deleted record is only readable before the backend call.
	Register(h, AnyTable(), PreDelete, func(ctx context.Context, table *metadata.Table, args DeleteArgs) (DeleteArgs, error) {
		if len(w.matching(PostDelete.String(), table)) == 0 {
			return args, nil
		}
		_, err := args.Existing(ctx)
		return args, err
	})
	Register(h, AnyTable(), PostDelete, func(ctx context.Context, table *metadata.Table, args DeleteArgs) (DeleteArgs, error) {
		existing, err := args.Existing(ctx)
		if err != nil {
			return args, err
		}
		if existing == nil {
			existing = metadata.Record{"id": args.ID}
		}
		return args, w.fire(ctx, PostDelete.String(), table, metadata.ActionDelete, existing, nil)
	})
}

func (w *Webhooks) matching(stage string, table *metadata.Table) []*metadata.Webhook {
	var out []*metadata.Webhook
	for _, wh := range w.registry.ActiveWebhooks() {
		if wh.Stage != stage {
			continue
		}
		if wh.Table != "" {
			if wh.Table == table.Name || wh.Table == table.ID {
				out = append(out, wh)
			}
			continue
		}
		if wh.TablePattern != "" {
			if ok, err := regexp.MatchString(wh.TablePattern, table.Name); err == nil && ok {
				out = append(out, wh)
			}
		}
	}
	return out
}

// fire delivers the matching webhooks. Synchronous webhooks that fail abort
// the operation; the record write itself is not rolled back.
func (w *Webhooks) fire(ctx context.Context, stage string, table *metadata.Table, action metadata.Action, record, old metadata.Record) error {
	webhooks := w.matching(stage, table)
	if len(webhooks) == 0 {
		return nil
	}

	payload := BuildWebhookPayload(stage, table.Name, action, record, old, metadata.UserFromContext(ctx))
	bodyJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	env := map[string]any{
		"record":  exprRecord(payload.Record),
		"old":     exprRecord(payload.Old),
		"changes": payload.Changes,
		"action":  payload.Action,
		"table":   payload.Table,
		"event":   payload.Event,
		"user":    payload.User,
	}

	for _, wh := range webhooks {
		if wh.Condition != "" {
			ok, err := w.evaluator.EvaluateBool(wh.Condition, env)
			if err != nil {
				w.logger.Errorw("webhook condition failed", "webhook", wh.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}

		method := wh.Method
		if method == "" {
			method = http.MethodPost
		}
		headers := ResolveHeaders(wh.Headers)
		headers["Idempotency-Key"] = payload.IdempotencyKey

		if wh.Async {
			go func(wh *metadata.Webhook) {
				result := DispatchWebhook(context.WithoutCancel(ctx), wh.URL, method, headers, bodyJSON)
				w.logResult(wh, payload, result)
			}(wh)
			continue
		}

		result := DispatchWebhook(ctx, wh.URL, method, headers, bodyJSON)
		w.logResult(wh, payload, result)
		if result.Error != "" {
			return fmt.Errorf("webhook %s failed: %s", wh.ID, result.Error)
		}
		if result.Failed() {
			return fmt.Errorf("webhook %s returned HTTP %d: %s", wh.ID, result.StatusCode, result.ResponseBody)
		}
	}
	return nil
}

func (w *Webhooks) logResult(wh *metadata.Webhook, payload *WebhookPayload, result *DispatchResult) {
	if result.Failed() {
		w.logger.Warnw("webhook delivery failed",
			"webhook", wh.ID, "table", payload.Table, "status", result.StatusCode,
			"error", result.Error, "idempotency_key", payload.IdempotencyKey)
		return
	}
	w.logger.Debugw("webhook delivered", "webhook", wh.ID, "table", payload.Table, "status", result.StatusCode)
}
