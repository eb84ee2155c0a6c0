package payload

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
)

const maxBodyBytes = 10 << 20

// HTTPClient implements Lookup and Dispatcher against the Payload Service REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient builds a client rooted at baseURL. timeout bounds every call
// in addition to any deadline carried by the request context.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) endpoint(kind, transactionID string) string {
	return fmt.Sprintf("%s/api/v1/%s/%s", c.baseURL, kind, url.PathEscape(transactionID))
}

// LookupPayload fetches the original payload for transactionID.
func (c *HTTPClient) LookupPayload(ctx context.Context, transactionID string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("payloads", transactionID), nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("lookup payload: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Result{}, fmt.Errorf("read payload: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Unavailable("original payload not found"), nil
	case resp.StatusCode >= 300:
		return Result{}, fmt.Errorf("payload service returned status %d", resp.StatusCode)
	}
	return Result{Retrieved: true, Payload: asJSON(body)}, nil
}

type dispatchRequest struct {
	TransactionID string          `json:"transactionId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type dispatchResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

// DispatchRetry posts payload to the reprocessing endpoint. Any HTTP response
// is a result; only transport failures are errors.
func (c *HTTPClient) DispatchRetry(ctx context.Context, transactionID string, payload json.RawMessage) (DispatchResult, error) {
	buf, err := json.Marshal(dispatchRequest{TransactionID: transactionID, Payload: payload})
	if err != nil {
		return DispatchResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("retries", transactionID), bytes.NewReader(buf))
	if err != nil {
		return DispatchResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("dispatch retry: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	out := DispatchResult{
		Success:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		ResponseCode: resp.StatusCode,
		Message:      http.StatusText(resp.StatusCode),
	}
	var decoded dispatchResponse
	if json.Unmarshal(body, &decoded) == nil {
		if decoded.Success != nil {
			out.Success = out.Success && *decoded.Success
		}
		if decoded.Message != "" {
			out.Message = decoded.Message
		}
	}
	return out, nil
}

func asJSON(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}
