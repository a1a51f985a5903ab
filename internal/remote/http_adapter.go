package remote

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

	"pos-sync-engine/internal/models"
)

// HTTPAdapter applies mutations through the central records API
type HTTPAdapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPAdapter creates a new adapter for the central records API
func NewHTTPAdapter(baseURL, apiKey string, timeout time.Duration) *HTTPAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Apply upserts (create/update) or deletes the record addressed by the mutation's business key
func (c *HTTPAdapter) Apply(ctx context.Context, m models.PendingMutation) (*Ack, error) {
	method := http.MethodPut
	if m.Operation == models.OperationDelete {
		method = http.MethodDelete
	}

	body, err := json.Marshal(models.RecordRequest{
		MutationID: m.ID,
		Operation:  m.Operation,
		Payload:    m.Payload,
		Timestamp:  m.CreatedAt,
	})
	if err != nil {
		return nil, NewSyncError(KindValidationRejected, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.recordURL(m.EntityType, m.BusinessKey), bytes.NewReader(body))
	if err != nil {
		return nil, NewSyncError(KindValidationRejected, "failed to create request", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Idempotency-Key", m.ID)
	req.Header.Set("X-Mutation-Timestamp", m.CreatedAt.UTC().Format(time.RFC3339Nano))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := classifyTransport(err)
		return nil, NewSyncError(kind, "failed to make request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewSyncError(KindNetwork, "failed to read response", err)
	}

	// Deleting a record the remote never saw is already the desired end state
	if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
		return &Ack{
			MutationID:  m.ID,
			EntityType:  string(m.EntityType),
			BusinessKey: m.BusinessKey,
			AppliedAt:   time.Now().UTC(),
		}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	ack := &Ack{
		MutationID:  m.ID,
		EntityType:  string(m.EntityType),
		BusinessKey: m.BusinessKey,
		AppliedAt:   time.Now().UTC(),
	}

	var record models.RecordResponse
	if len(respBody) > 0 && json.Unmarshal(respBody, &record) == nil {
		ack.Version = record.Version
		ack.Replayed = record.Replayed
		if !record.UpdatedAt.IsZero() {
			ack.AppliedAt = record.UpdatedAt
		}
	}

	return ack, nil
}

// GetRecord reads the remote copy of a record
func (c *HTTPAdapter) GetRecord(ctx context.Context, entityType models.EntityType, key string) (*models.RecordResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.recordURL(entityType, key), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("record not found: %s/%s", entityType, key)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var record models.RecordResponse
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &record, nil
}

// HealthCheck checks the health of the central records API
func (c *HTTPAdapter) HealthCheck(ctx context.Context) (*models.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}

	var health models.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &health, nil
}

// Probe implements Prober. It calls the authenticated health route, so a rejected
// API key takes the till offline instead of failing every mutation.
func (c *HTTPAdapter) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewSyncError(classifyTransport(err), "failed to make request", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewSyncError(KindUnauthorized, "remote store rejected the API key", nil)
	case http.StatusNotFound:
		// Central stores without the authenticated route only get a liveness check
		_, err := c.HealthCheck(ctx)
		return err
	default:
		return NewSyncError(KindServerInternal, fmt.Sprintf("health check failed with status: %d", resp.StatusCode), nil)
	}
}

func (c *HTTPAdapter) recordURL(entityType models.EntityType, key string) string {
	return fmt.Sprintf("%s/v1/records/%s/%s", c.baseURL, url.PathEscape(string(entityType)), url.PathEscape(key))
}

// classifyStatus maps a non-2xx response to an error kind
func classifyStatus(statusCode int, body []byte) *SyncError {
	message := fmt.Sprintf("request failed with status %d", statusCode)

	var errResp models.ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Message != "" {
		message = fmt.Sprintf("%s: %s", message, errResp.Message)
	} else if len(body) > 0 {
		message = fmt.Sprintf("%s: %s", message, strings.TrimSpace(string(body)))
	}

	switch {
	case statusCode == http.StatusConflict || statusCode == http.StatusPreconditionFailed:
		return NewSyncError(KindConflict, message, nil)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return NewSyncError(KindTimeout, message, nil)
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return NewSyncError(KindServerInternal, message, nil)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewSyncError(KindUnauthorized, message, nil)
	default:
		return NewSyncError(KindValidationRejected, message, nil)
	}
}
