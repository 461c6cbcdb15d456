/*
 * @module monitor_client/client
 * @description 监控后端查询客户端：VictoriaMetrics 指标查询与 Loki 日志查询
 * @architecture 分层架构 - 基础设施层
 * @documentReference ai_docs/push_design.md
 * @stateFlow 统计/日志接口 -> 构造查询 -> HTTP请求监控后端 -> 解析结果
 * @rules
 *   - 后端地址为空时返回 ErrNotConfigured，不发起请求
 *   - 非 success 状态一律视为查询失败
 * @dependencies github.com/spf13/cast
 * @refs api/controllers/statistics_controller.go, api/controllers/push_controller.go
 */

package monitor_client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// ErrNotConfigured 未配置监控后端地址
var ErrNotConfigured = errors.New("监控后端未配置")

const maxErrorBodyBytes = 500

// Client 监控后端客户端
type Client struct {
	victoriaMetricsURL string
	lokiURL            string
	httpClient         *http.Client
}

// NewClient 创建监控客户端，地址可为空
func NewClient(victoriaMetricsURL, lokiURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		victoriaMetricsURL: strings.TrimRight(victoriaMetricsURL, "/"),
		lokiURL:            strings.TrimRight(lokiURL, "/"),
		httpClient:         &http.Client{Timeout: timeout},
	}
}

// MetricsEnabled 是否配置了 VictoriaMetrics
func (c *Client) MetricsEnabled() bool {
	return c != nil && c.victoriaMetricsURL != ""
}

// LogsEnabled 是否配置了 Loki
func (c *Client) LogsEnabled() bool {
	return c != nil && c.lokiURL != ""
}

// Query 执行即时查询
func (c *Client) Query(ctx context.Context, query string, queryTime time.Time) (*QueryResult, error) {
	if !c.MetricsEnabled() {
		return nil, ErrNotConfigured
	}
	if query == "" {
		return nil, errors.New("query cannot be empty")
	}
	if queryTime.IsZero() {
		queryTime = time.Now()
	}

	values := url.Values{}
	values.Add("query", query)
	values.Add("time", formatTime(queryTime))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.victoriaMetricsURL+"/api/v1/query?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}

	var metricsResp QueryResultResp
	if err := c.do(req, &metricsResp); err != nil {
		return nil, err
	}
	if metricsResp.Status != "success" {
		return nil, fmt.Errorf("查询失败: %s %s", metricsResp.Status, metricsResp.Error)
	}
	return &metricsResp.Data, nil
}

// QueryRange 执行区间查询
func (c *Client) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) (*QueryResult, error) {
	if !c.MetricsEnabled() {
		return nil, ErrNotConfigured
	}
	if query == "" {
		return nil, errors.New("query cannot be empty")
	}
	if start.IsZero() || end.IsZero() {
		return nil, errors.New("start and end time cannot be zero")
	}
	if start.After(end) {
		return nil, errors.New("start time must be before end time")
	}
	if step <= 0 {
		step = 15 * time.Second // 默认步长15秒
	}

	form := url.Values{}
	form.Set("query", query)
	form.Set("start", formatTime(start))
	form.Set("end", formatTime(end))
	form.Set("step", strconv.FormatFloat(step.Seconds(), 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.victoriaMetricsURL+"/api/v1/query_range", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var metricsResp QueryResultResp
	if err := c.do(req, &metricsResp); err != nil {
		return nil, err
	}
	if metricsResp.Status != "success" {
		return nil, fmt.Errorf("查询失败: %s %s", metricsResp.Status, metricsResp.Error)
	}
	return &metricsResp.Data, nil
}

// LokiRangeQuery 执行 Loki 区间查询
func (c *Client) LokiRangeQuery(ctx context.Context, query string, limit int, start, end time.Time) (*LokiQueryResult, error) {
	if !c.LogsEnabled() {
		return nil, ErrNotConfigured
	}
	if query == "" {
		return nil, errors.New("query cannot be empty")
	}
	if limit <= 0 {
		limit = 1000 // 默认限制1000条
	}

	values := url.Values{}
	values.Add("query", query)
	values.Add("limit", cast.ToString(limit))
	values.Add("start", cast.ToString(start.UnixNano()))
	values.Add("end", cast.ToString(end.UnixNano()))
	values.Add("direction", "forward")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.lokiURL+"/loki/api/v1/query_range?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}

	var lokiResp LokiQueryResultResp
	if err := c.do(req, &lokiResp); err != nil {
		return nil, err
	}
	if lokiResp.Status != "success" {
		return nil, fmt.Errorf("查询失败: %s", lokiResp.Status)
	}
	return &lokiResp.Data, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("HTTP请求失败: 状态码=%d, 响应=%s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.Unix()), 'f', -1, 64)
}
