package records

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pitabwire/carewizard/internal/observability"
	"github.com/pitabwire/carewizard/model"
)

type createResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// HTTPInserter creates records through a records API. Payloads are checked
// against the API's schema before anything is sent.
type HTTPInserter struct {
	baseURL string
	schemas *SchemaIndex
	client  *http.Client
}

// NewHTTPInserter creates an inserter posting to baseURL. When baseURL is
// empty the first server of the schema document is used.
func NewHTTPInserter(baseURL string, schemas *SchemaIndex, timeout time.Duration) *HTTPInserter {
	if baseURL == "" && schemas != nil {
		baseURL = schemas.BaseURL()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPInserter{
		baseURL: strings.TrimRight(baseURL, "/"),
		schemas: schemas,
		client:  &http.Client{Timeout: timeout},
	}
}

// Insert implements Inserter.
func (h *HTTPInserter) Insert(ctx context.Context, table string, payload map[string]any) (model.Record, error) {
	body, err := jsonValue(payload)
	if err != nil {
		return model.Record{}, err
	}
	if h.schemas != nil {
		if details := h.schemas.Validate(table, body); len(details) > 0 {
			return model.Record{}, model.NewValidationError(details)
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return model.Record{}, fmt.Errorf("records: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/records/"+url.PathEscape(table), bytes.NewReader(data))
	if err != nil {
		return model.Record{}, fmt.Errorf("records: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", rctx.CorrelationID)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		return model.Record{}, fmt.Errorf("records: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Record{}, fmt.Errorf("records: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return model.Record{}, model.NewConflictError(fmt.Sprintf("a %s record with these details already exists", table))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return model.Record{}, fmt.Errorf("records: api returned status %d", resp.StatusCode)
	}

	var out createResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return model.Record{}, fmt.Errorf("records: parse response: %w", err)
	}
	if out.ID == "" {
		return model.Record{}, fmt.Errorf("records: api returned no record id")
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	return model.Record{ID: out.ID, Table: table, CreatedAt: out.CreatedAt}, nil
}
