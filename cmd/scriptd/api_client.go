package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fentz26/scriptd/internal/controlplane"
	"github.com/fentz26/scriptd/internal/xjson"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// apiClient is the shared HTTP client with timeout.
var apiClient = &http.Client{
	Timeout: DefaultClientTimeout,
}

// apiError is a non-2xx answer from the daemon.
type apiError struct {
	Status  int
	Message string
	Kind    string
}

func (e *apiError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// apiGet performs a GET request and decodes the JSON answer into out.
func apiGet(path string, out any) error {
	resp, err := apiClient.Get(apiAddr + path)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	return decodeAPIResponse(resp, out)
}

// apiPost performs a POST request with a JSON body and decodes the answer into out.
func apiPost(path string, data, out any) error {
	var body io.Reader = http.NoBody
	if data != nil {
		jsonData, err := xjson.Marshal(data)
		if err != nil {
			return err
		}
		body = bytes.NewReader(jsonData)
	}

	resp, err := apiClient.Post(apiAddr+path, "application/json", body)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	return decodeAPIResponse(resp, out)
}

func decodeAPIResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
		var payload struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if xjson.Unmarshal(body, &payload) == nil && payload.Error != "" {
			apiErr.Message, apiErr.Kind = payload.Error, payload.Kind
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := xjson.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// CheckHealth checks if the daemon is healthy and returns the health response.
// Unlike other API calls, this returns the parsed HealthResponse even on non-200
// responses, allowing callers to inspect the health payload alongside the error.
func CheckHealth() (*controlplane.HealthResponse, error) {
	resp, err := apiClient.Get(apiAddr + "/health")
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var health controlplane.HealthResponse
	if err := xjson.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("health check failed (status %d): %s", resp.StatusCode, string(body))
	}

	return &health, nil
}
