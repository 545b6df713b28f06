// Package e2e drives a running consentgrid server through its HTTP API.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TestContext holds the state one scenario builds up.
type TestContext struct {
	BaseURL       string
	WebhookSecret string
	HTTPClient    *http.Client

	lastStatus  int
	lastBody    []byte
	lastHeaders http.Header

	permissionID string
	accessToken  string
	clientIP     string
}

func NewTestContext(baseURL, webhookSecret string) *TestContext {
	return &TestContext{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		WebhookSecret: webhookSecret,
		HTTPClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Reset clears everything but the server coordinates.
func (tc *TestContext) Reset() {
	tc.lastStatus = 0
	tc.lastBody = nil
	tc.lastHeaders = nil
	tc.permissionID = ""
	tc.accessToken = ""
	tc.clientIP = ""
}

func (tc *TestContext) Do(method, path string, body any, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, tc.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tc.clientIP != "" {
		req.Header.Set("X-Forwarded-For", tc.clientIP)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := tc.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	tc.lastBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	tc.lastStatus = resp.StatusCode
	tc.lastHeaders = resp.Header
	return nil
}

func (tc *TestContext) ResponseField(field string) (any, error) {
	var out map[string]any
	if err := json.Unmarshal(tc.lastBody, &out); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %s", tc.lastBody)
	}
	v, ok := out[field]
	if !ok {
		return nil, fmt.Errorf("field %q missing from %s", field, tc.lastBody)
	}
	return v, nil
}

// ResponseList decodes a JSON array body.
func (tc *TestContext) ResponseList() ([]map[string]any, error) {
	var out []map[string]any
	if err := json.Unmarshal(tc.lastBody, &out); err != nil {
		return nil, fmt.Errorf("response is not a JSON array: %s", tc.lastBody)
	}
	return out, nil
}

func (tc *TestContext) LastStatus() int { return tc.lastStatus }
func (tc *TestContext) LastHeader(key string) string { return tc.lastHeaders.Get(key) }
func (tc *TestContext) PermissionID() string { return tc.permissionID }
func (tc *TestContext) AccessToken() string { return tc.accessToken }
func (tc *TestContext) Secret() string { return tc.WebhookSecret }
func (tc *TestContext) SetClientIP(ip string) { tc.clientIP = ip }

func (tc *TestContext) SetPermission(permissionID, accessToken string) {
	tc.permissionID = permissionID
	tc.accessToken = accessToken
}
