/*
 * @module service/delivery/http_deliverer
 * @description API 与 Webhook 目标投递器
 * @architecture 策略模式 - 共享 HTTP 客户端，差异在认证与签名
 * @documentReference ai_docs/push_design.md
 * @stateFlow 合并报文 -> 附加认证/签名头 -> 发送请求 -> 解析回执
 * @rules
 *   - 2xx 视为成功，其余状态码返回错误（附截断的响应体）
 *   - Webhook 使用 HMAC-SHA256 对请求体签名，放在 X-Signature 头
 *   - 探活：任何小于 500 的响应都视为目标可达
 * @dependencies net/http, github.com/spf13/cast
 * @refs service/datasource/http_auth.go
 */

package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/utils"
)

const (
	maxErrorBodyBytes  = 512
	defaultHTTPTimeout = 30 * time.Second

	HeaderChecksum  = "X-Checksum"
	HeaderSignature = "X-Signature"
	HeaderPushID    = "X-Push-ID"
	HeaderTimestamp = "X-Timestamp"
)

type httpHandle struct {
	client *http.Client
}

func (h *httpHandle) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func openHTTPHandle(target *models.PushTarget) *httpHandle {
	timeout := defaultHTTPTimeout
	if v := cast.ToFloat64(target.ConnectionConfig["timeout_seconds"]); v > 0 {
		timeout = time.Duration(v * float64(time.Second))
	}
	return &httpHandle{client: &http.Client{Timeout: timeout}}
}

func asHTTPHandle(h Handle) (*httpHandle, error) {
	hh, ok := h.(*httpHandle)
	if !ok || hh == nil {
		return nil, errors.New("无效的HTTP连接句柄")
	}
	return hh, nil
}

// httpResponse 目标端响应摘要
type httpResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func doRequest(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (*httpResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取HTTP响应失败: %w", err)
	}
	return &httpResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

func checkStatus(resp *httpResponse) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body := string(resp.Body)
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return fmt.Errorf("目标返回错误状态码 %d: %s", resp.StatusCode, body)
}

// parseReceipt 从响应头 X-Checksum 或 JSON 体中的 checksum/records_received 字段解析回执
func parseReceipt(resp *httpResponse, req *Request) *Receipt {
	receipt := &Receipt{
		RecordsPushed:    len(req.Changes),
		BytesTransferred: int64(len(req.Body)),
		Checksum:         resp.Header.Get(HeaderChecksum),
	}
	var body map[string]interface{}
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &body) == nil {
		if receipt.Checksum == "" {
			receipt.Checksum = cast.ToString(body["checksum"])
		}
		if v, ok := body["records_received"]; ok {
			received := cast.ToInt(v)
			if received < receipt.RecordsPushed {
				receipt.RecordsFailed = receipt.RecordsPushed - received
				receipt.RecordsPushed = received
			}
		}
	}
	return receipt
}

func configHeaders(target *models.PushTarget) map[string]string {
	headers := map[string]string{}
	if raw, ok := target.ConnectionConfig["headers"]; ok && raw != nil {
		for k, v := range cast.ToStringMapString(raw) {
			headers[k] = v
		}
	}
	return headers
}

func pingURL(ctx context.Context, client *http.Client, target *models.PushTarget) error {
	url := target.ConnString("health_url")
	if url == "" {
		url = target.ConnString("url")
	}
	if url == "" {
		return errors.New("未配置目标URL")
	}
	resp, err := doRequest(ctx, client, http.MethodHead, url, nil, configHeaders(target))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("目标探活返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// APIDeliverer HTTP 接口目标投递器
type APIDeliverer struct{}

// NewAPIDeliverer 创建接口投递器
func NewAPIDeliverer() *APIDeliverer {
	return &APIDeliverer{}
}

func (d *APIDeliverer) TargetType() string { return meta.TargetTypeAPI }

func (d *APIDeliverer) Open(ctx context.Context, target *models.PushTarget) (Handle, error) {
	if target.ConnString("url") == "" {
		return nil, errors.New("接口目标缺少url配置")
	}
	return openHTTPHandle(target), nil
}

func (d *APIDeliverer) Ping(ctx context.Context, h Handle, target *models.PushTarget) error {
	hh, err := asHTTPHandle(h)
	if err != nil {
		return err
	}
	return pingURL(ctx, hh.client, target)
}

// Deliver 以单次请求发送整批报文
func (d *APIDeliverer) Deliver(ctx context.Context, h Handle, req *Request) (*Receipt, error) {
	hh, err := asHTTPHandle(h)
	if err != nil {
		return nil, err
	}
	target := req.Target
	method := strings.ToUpper(target.ConnString("method"))
	if method == "" {
		method = http.MethodPost
	}

	headers := configHeaders(target)
	headers["Content-Type"] = contentTypeOf(req)
	headers[HeaderPushID] = req.PushID
	applyAuth(headers, target)

	resp, err := doRequest(ctx, hh.client, method, target.ConnString("url"), req.Body, headers)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return parseReceipt(resp, req), nil
}

// applyAuth 按 auth_type 附加认证头
func applyAuth(headers map[string]string, target *models.PushTarget) {
	authType := strings.ToLower(target.ConnString("auth_type"))
	switch authType {
	case "api_key":
		header := target.ConnString("api_key_header")
		if header == "" {
			header = "X-API-Key"
		}
		headers[header] = target.ConnString("api_key")
	case "bearer":
		headers["Authorization"] = "Bearer " + target.ConnString("token")
	case "basic":
		cred := target.ConnString("username") + ":" + target.ConnString("password")
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(cred))
	case "", "none":
		if key := target.ConnString("api_key"); key != "" {
			headers["X-API-Key"] = key
		}
	}
}

// WebhookDeliverer 带签名的 HTTP 回调投递器
type WebhookDeliverer struct {
	now func() time.Time
}

// NewWebhookDeliverer 创建 Webhook 投递器
func NewWebhookDeliverer() *WebhookDeliverer {
	return &WebhookDeliverer{now: time.Now}
}

func (d *WebhookDeliverer) TargetType() string { return meta.TargetTypeWebhook }

func (d *WebhookDeliverer) Open(ctx context.Context, target *models.PushTarget) (Handle, error) {
	if target.ConnString("url") == "" {
		return nil, errors.New("Webhook目标缺少url配置")
	}
	return openHTTPHandle(target), nil
}

func (d *WebhookDeliverer) Ping(ctx context.Context, h Handle, target *models.PushTarget) error {
	hh, err := asHTTPHandle(h)
	if err != nil {
		return err
	}
	return pingURL(ctx, hh.client, target)
}

// Deliver POST 整批报文并附带签名
func (d *WebhookDeliverer) Deliver(ctx context.Context, h Handle, req *Request) (*Receipt, error) {
	hh, err := asHTTPHandle(h)
	if err != nil {
		return nil, err
	}
	target := req.Target
	headers := configHeaders(target)
	headers["Content-Type"] = contentTypeOf(req)
	headers[HeaderPushID] = req.PushID
	headers[HeaderTimestamp] = strconv.FormatInt(d.now().Unix(), 10)
	if secret := target.ConnString("secret"); secret != "" {
		headers[HeaderSignature] = SignBody(req.Body, secret)
	}

	resp, err := doRequest(ctx, hh.client, http.MethodPost, target.ConnString("url"), req.Body, headers)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return parseReceipt(resp, req), nil
}

// SignBody 生成 Webhook 签名头的值
func SignBody(body []byte, secret string) string {
	return "sha256=" + utils.HMACSHA256(body, secret)
}

func contentTypeOf(req *Request) string {
	if len(req.Payloads) > 0 && req.Payloads[0].ContentType != "" {
		return req.Payloads[0].ContentType
	}
	return "application/json"
}
