package change_detect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cast"

	"datapush-service/service/meta"
	"datapush-service/service/models"
)

// HTTPDetector HTTP 接口增量查询检测，GET {base_url}{path}?{since_param}=RFC3339
type HTTPDetector struct {
	client *http.Client
}

// NewHTTPDetector 创建HTTP检测器
func NewHTTPDetector(client *http.Client) *HTTPDetector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPDetector{client: client}
}

func (d *HTTPDetector) Category() string { return meta.SourceCategoryHTTP }

func (d *HTTPDetector) Detect(ctx context.Context, source *models.ChangeSource, since time.Time) ([]models.ChangeRecord, error) {
	cfg := source.ConnectionConfig
	params := source.ParamsConfig

	base := strings.TrimRight(cast.ToString(cfg["base_url"]), "/")
	if base == "" {
		return nil, fmt.Errorf("变更源 %s 缺少 base_url", source.Name)
	}
	u, err := url.Parse(base + cast.ToString(params["path"]))
	if err != nil {
		return nil, fmt.Errorf("解析检测地址失败: %w", err)
	}
	sinceParam := cast.ToString(params["since_param"])
	if sinceParam == "" {
		sinceParam = "since"
	}
	q := u.Query()
	q.Set(sinceParam, since.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("创建检测请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range cast.ToStringMapString(cfg["headers"]) {
		req.Header.Set(k, v)
	}
	if token := cast.ToString(cfg["token"]); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求变更源失败: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取变更源响应失败: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("变更源返回状态码 %d", resp.StatusCode)
	}

	var payload interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("解析变更源响应失败: %w", err)
	}
	items, ok := extractByPath(payload, cast.ToString(params["data_path"])).([]interface{})
	if !ok {
		return nil, fmt.Errorf("变更源响应不是数组")
	}
	return itemsToChanges(source, items, since), nil
}

// extractByPath 按点分路径取出嵌套字段，路径不存在时返回原数据
func extractByPath(data interface{}, path string) interface{} {
	if path == "" || path == "." {
		return data
	}
	current := data
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		m, ok := current.(map[string]interface{})
		if !ok {
			return data
		}
		v, exists := m[part]
		if !exists {
			return data
		}
		current = v
	}
	return current
}

func itemsToChanges(source *models.ChangeSource, items []interface{}, since time.Time) []models.ChangeRecord {
	params := source.ParamsConfig
	keyField := stringParam(params, "key_field", "id")
	opField := stringParam(params, "operation_field", "operation")
	tsField := stringParam(params, "timestamp_field", "updated_at")
	table := stringParam(params, "table", source.Name)
	info := map[string]interface{}{"source_category": meta.SourceCategoryHTTP, "detected_by": "incremental_query"}

	changes := make([]models.ChangeRecord, 0, len(items))
	for _, item := range items {
		row, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		ts := toTime(row[tsField])
		if ts.IsZero() {
			ts = since
		}
		op := normalizeOperation(cast.ToString(row[opField]))
		data := make(map[string]interface{}, len(row))
		for k, v := range row {
			if k != opField {
				data[k] = v
			}
		}
		recordID := cast.ToString(row[keyField])
		if op == meta.OperationDelete {
			changes = append(changes, models.NewChangeRecord(recordID, op, table, data, nil, ts, info))
			continue
		}
		changes = append(changes, models.NewChangeRecord(recordID, op, table, nil, data, ts, info))
	}
	return changes
}

func normalizeOperation(op string) string {
	switch strings.ToUpper(op) {
	case "INSERT", "CREATE", "C":
		return meta.OperationInsert
	case "DELETE", "REMOVE", "D":
		return meta.OperationDelete
	default:
		return meta.OperationUpdate
	}
}

func stringParam(params models.JSONB, key, def string) string {
	if v := cast.ToString(params[key]); v != "" {
		return v
	}
	return def
}
