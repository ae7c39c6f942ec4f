package supabase

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

const (
	restPrefix     = "/rest/v1"
	defaultTimeout = 15 * time.Second
)

// Client 封装 Supabase PostgREST 接口的 HTTP 交互。
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
}

// Option 用于自定义 Client 行为。
type Option func(*Client)

// WithHTTPClient 允许传入调用方自定义的 http.Client。
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// NewClient 构造 REST 客户端，baseURL 为项目地址（不含 /rest/v1）。
func NewClient(baseURL, anonKey string, opts ...Option) *Client {
	client := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		anonKey:    strings.TrimSpace(anonKey),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return client
}

// Configured 表示项目地址与匿名 key 是否齐全。
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.anonKey != ""
}

// APIError 封装 PostgREST 返回的错误响应。
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Hint       string `json:"hint,omitempty"`
}

// Error 实现 error 接口。
func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	desc := fmt.Sprintf("supabase status %d: %s", e.StatusCode, e.Message)
	if e.Code != "" {
		desc = fmt.Sprintf("%s (%s)", desc, e.Code)
	}
	return desc
}

// Select 对表执行 GET 查询并将 JSON 数组解码到 dst。
func (c *Client) Select(ctx context.Context, table string, query url.Values, dst any) error {
	target := c.endpoint("/" + table)
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return c.do(ctx, http.MethodGet, target, nil, dst)
}

// SQL 通过 rpc/sql 函数执行原始 SQL，要求项目预先定义该函数。
func (c *Client) SQL(ctx context.Context, statement string, dst any) error {
	body, err := json.Marshal(map[string]string{"query": statement})
	if err != nil {
		return fmt.Errorf("marshal rpc body: %w", err)
	}
	return c.do(ctx, http.MethodPost, c.endpoint("/rpc/sql"), body, dst)
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + restPrefix + path
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, dst any) error {
	if !c.Configured() {
		return fmt.Errorf("supabase rest client not configured")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.anonKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return parseAPIError(resp.StatusCode, raw)
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseAPIError(status int, payload []byte) error {
	apiErr := &APIError{StatusCode: status}
	if len(payload) == 0 {
		apiErr.Message = http.StatusText(status)
		return apiErr
	}
	if err := json.Unmarshal(payload, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(payload))
	}
	return apiErr
}
