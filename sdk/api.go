package perso

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const apiKeyHeader = "PersoLive-APIKey"

type apiErrorBody struct {
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
		Attr   string `json:"attr"`
	} `json:"errors"`
}

// decodeAPIError turns a non-2xx response body into an *APIError. Bodies
// that do not match the server's error shape fall back to UNKNOWN_ERROR
// with the raw body as detail.
func decodeAPIError(status int, body []byte) *APIError {
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Errors) > 0 {
		first := parsed.Errors[0]
		return &APIError{Status: status, Code: first.Code, Detail: first.Detail, Attr: first.Attr}
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512]
	}
	return &APIError{Status: status, Code: "UNKNOWN_ERROR", Detail: detail}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, authed bool) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiServer+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	return req, nil
}

// doJSON executes the request and decodes a 2xx JSON body into out. Non-2xx
// responses are returned as *APIError.
func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any, authed bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, authed)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any, authed bool) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, body, authed)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}
