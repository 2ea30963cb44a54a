package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/AlencarRonaldo/app-treino-sub001/internal/errors"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/models"
)

// RemoteConfig holds HTTP submission collaborator configuration.
type RemoteConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration // per-request, default 30s
}

// HTTPSubmitter submits queued mutations to a REST backend. Response
// status codes map onto the submission error taxonomy: 409 carries the
// server's current record as a version conflict, 4xx is permanent,
// everything else is transient.
type HTTPSubmitter struct {
	config     *RemoteConfig
	httpClient *http.Client
}

// NewHTTPSubmitter creates an HTTPSubmitter.
func NewHTTPSubmitter(config *RemoteConfig) *HTTPSubmitter {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSubmitter{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: false,
			},
		},
	}
}

// Submit performs one mutation against the backend.
func (s *HTTPSubmitter) Submit(ctx context.Context, entityType string, operation models.Operation, payload json.RawMessage) (json.RawMessage, error) {
	method, err := methodFor(operation)
	if err != nil {
		return nil, err
	}

	endpoint, err := url.JoinPath(s.config.BaseURL, entityType)
	if err != nil {
		return nil, errors.Permanent("invalid endpoint", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Permanent("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.AuthToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Transient("submission request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Transient("failed to read response body", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusConflict:
		return nil, errors.Conflict("server state diverged", body)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		// Load shedding and timed-out requests clear up on their own;
		// the action must stay queued for the next attempt.
		return nil, errors.Transient(
			fmt.Sprintf("submission throttled with status %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, errors.Permanent(
			fmt.Sprintf("submission rejected with status %d: %s", resp.StatusCode, string(body)), nil)
	default:
		return nil, errors.Transient(
			fmt.Sprintf("submission failed with status %d", resp.StatusCode), nil)
	}
}

func methodFor(operation models.Operation) (string, error) {
	switch operation {
	case models.OperationCreate:
		return http.MethodPost, nil
	case models.OperationUpdate:
		return http.MethodPut, nil
	case models.OperationDelete:
		return http.MethodDelete, nil
	default:
		return "", errors.Permanent("unknown operation: "+string(operation), nil)
	}
}
