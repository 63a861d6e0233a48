package api

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

	"github.com/ChuLiYu/beaver-cloud/internal/server"
	"github.com/ChuLiYu/beaver-cloud/internal/tracing"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// Client 協調器 HTTP API 的客戶端，供命令列工具使用
type Client struct {
	base string
	http *http.Client
}

// NewClient addr 可為 host:port 或完整 URL
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError 協調器回傳的錯誤
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *Error          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s %s: decode response (%d): %w", method, path, resp.StatusCode, err)
	}
	if envelope.Error != nil {
		return &APIError{StatusCode: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

// RegisterJob 註冊作業
func (c *Client) RegisterJob(ctx context.Context, cfg types.JobConfig) error {
	return c.do(ctx, http.MethodPost, "/api/jobs", cfg, nil)
}

// UpdateJob 更新作業
func (c *Client) UpdateJob(ctx context.Context, cfg types.JobConfig) error {
	return c.do(ctx, http.MethodPut, "/api/jobs/"+url.PathEscape(cfg.JobName), cfg, nil)
}

// RemoveJob 刪除作業
func (c *Client) RemoveJob(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(name), nil, nil)
}

// ListJobs 列出作業；match 為空時列出全部
func (c *Client) ListJobs(ctx context.Context, match string) ([]types.JobConfig, error) {
	path := "/api/jobs"
	if match != "" {
		path += "?match=" + url.QueryEscape(match)
	}
	var jobs []types.JobConfig
	err := c.do(ctx, http.MethodGet, path, nil, &jobs)
	return jobs, err
}

// State 狀態儲存內容
func (c *Client) State(ctx context.Context) (State, error) {
	var state State
	err := c.do(ctx, http.MethodGet, "/api/state", nil, &state)
	return state, err
}

// Trace 作業的任務軌跡
func (c *Client) Trace(ctx context.Context, job string, limit int) ([]tracing.Event, error) {
	var events []tracing.Event
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/jobs/%s/trace?limit=%d", url.PathEscape(job), limit), nil, &events)
	return events, err
}

// Agents 已註冊的遠端 agent
func (c *Client) Agents(ctx context.Context) ([]server.AgentInfo, error) {
	var agents []server.AgentInfo
	err := c.do(ctx, http.MethodGet, "/api/agents", nil, &agents)
	return agents, err
}

// Health 健康狀態
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &h)
	return h, err
}
