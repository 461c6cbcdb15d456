/*
 * @module service/format_convert/converter
 * @description 格式转换器：把变更记录渲染为目标所需的报文（JSON/XML/CSV/Avro风格）
 * @architecture 策略模式 - 按格式标签选择编码器
 * @documentReference ai_docs/push_design.md
 * @stateFlow 变更记录 -> 字段映射/值规范化 -> 编码器 -> 报文
 * @rules
 *   - 纯函数，无副作用；每条输入记录恰好产生一个报文
 *   - 缺失的 old_data/new_data 视为空map，不因可选字段缺失报错
 *   - 配置了字段映射时只保留映射字段并重命名
 *   - 未知格式按 json 处理
 * @dependencies encoding/json, encoding/xml, encoding/csv, github.com/vmihailenco/msgpack/v5, golang.org/x/text
 * @refs service/delivery/*, service/verification/rules.go
 */

package format_convert

import (
	"sort"
	"time"

	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/utils"
)

// Payload 单条变更记录渲染后的报文
type Payload struct {
	RecordID    string                 `json:"record_id"`
	Operation   string                 `json:"operation"`
	TableName   string                 `json:"table_name"`
	Format      string                 `json:"format"`
	ContentType string                 `json:"content_type"`
	Body        []byte                 `json:"body"`
	Header      []byte                 `json:"header,omitempty"` // 仅CSV：表头行
	Fields      map[string]interface{} `json:"fields"`           // 映射后的数据字段，供结构化目标使用
	Warning     string                 `json:"warning,omitempty"`
}

// Document 编码器的输入
type Document struct {
	RecordID  string
	Operation string
	TableName string
	Timestamp string
	Data      map[string]interface{}
	OldData   map[string]interface{}
	Metadata  map[string]interface{}
	Columns   []string // CSV数据列（跨批次统一）
	Config    models.FormatConfig
}

// Encoder 单一格式的编码器
type Encoder interface {
	ContentType() string
	Encode(doc *Document) ([]byte, error)
	// Join 把多条报文合并为一次批量投递的报文体
	Join(payloads []Payload, cfg models.FormatConfig) []byte
}

// Converter 按格式选择编码器
type Converter struct {
	encoders map[string]Encoder
}

// NewConverter 创建包含内置编码器的转换器
func NewConverter() *Converter {
	return &Converter{
		encoders: map[string]Encoder{
			meta.FormatJSON: jsonEncoder{},
			meta.FormatXML:  xmlEncoder{},
			meta.FormatCSV:  csvEncoder{},
			meta.FormatAvro: avroEncoder{},
		},
	}
}

// Register 注册或替换某种格式的编码器
func (c *Converter) Register(format string, enc Encoder) {
	c.encoders[format] = enc
}

func (c *Converter) encoder(format string) (string, Encoder) {
	if enc, ok := c.encoders[format]; ok {
		return format, enc
	}
	return meta.FormatJSON, c.encoders[meta.FormatJSON]
}

var defaultConverter = NewConverter()

// Convert 使用默认转换器渲染
func Convert(changes []models.ChangeRecord, target *models.PushTarget) []Payload {
	return defaultConverter.Convert(changes, target)
}

// Join 使用默认转换器合并报文
func Join(payloads []Payload, target *models.PushTarget) []byte {
	return defaultConverter.Join(payloads, target)
}

// Convert 把变更记录渲染为目标格式，返回与输入一一对应的报文
func (c *Converter) Convert(changes []models.ChangeRecord, target *models.PushTarget) []Payload {
	var cfg models.FormatConfig
	if target != nil {
		cfg = target.ParsedFormatConfig()
	} else {
		cfg = models.FormatConfig{Format: meta.FormatJSON, CSVHeader: true}
	}
	format, enc := c.encoder(cfg.Format)

	docs := make([]*Document, len(changes))
	for i, change := range changes {
		docs[i] = buildDocument(change, cfg)
	}
	columns := unionColumns(docs)
	for _, doc := range docs {
		doc.Columns = columns
	}

	var header []byte
	if format == meta.FormatCSV && cfg.CSVHeader {
		header = csvHeader(columns, cfg)
	}

	payloads := make([]Payload, len(docs))
	for i, doc := range docs {
		p := Payload{
			RecordID:    doc.RecordID,
			Operation:   doc.Operation,
			TableName:   doc.TableName,
			Format:      format,
			ContentType: enc.ContentType(),
			Header:      header,
			Fields:      doc.Data,
		}
		body, err := enc.Encode(doc)
		if err != nil {
			p.Warning = "渲染失败: " + err.Error()
		}
		p.Body = body
		payloads[i] = p
	}
	return payloads
}

// Join 合并为批量报文体
func (c *Converter) Join(payloads []Payload, target *models.PushTarget) []byte {
	cfg := models.FormatConfig{Format: meta.FormatJSON, CSVHeader: true}
	if target != nil {
		cfg = target.ParsedFormatConfig()
	}
	_, enc := c.encoder(cfg.Format)
	return enc.Join(payloads, cfg)
}

// ContentType 返回目标格式对应的内容类型
func (c *Converter) ContentType(target *models.PushTarget) string {
	format := meta.FormatJSON
	if target != nil {
		format = target.ParsedFormatConfig().Format
	}
	_, enc := c.encoder(format)
	return enc.ContentType()
}

func buildDocument(change models.ChangeRecord, cfg models.FormatConfig) *Document {
	data := change.Data()
	if change.Operation == meta.OperationDelete && len(change.NewData) == 0 {
		data = change.Old()
	}
	doc := &Document{
		RecordID:  change.RecordID,
		Operation: change.Operation,
		TableName: change.TableName,
		Timestamp: formatTimestamp(change.Timestamp),
		Data:      applyMappings(data, cfg.FieldMappings),
		Config:    cfg,
	}
	if len(change.OldData) > 0 && change.Operation == meta.OperationUpdate {
		doc.OldData = applyMappings(change.OldData, cfg.FieldMappings)
	}
	if cfg.IncludeMetadata && len(change.Metadata) > 0 {
		doc.Metadata = normalizeMap(change.Metadata)
	}
	return doc
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

// applyMappings 字段映射：配置了映射时只保留映射字段
func applyMappings(data map[string]interface{}, mappings map[string]string) map[string]interface{} {
	if len(mappings) == 0 {
		return normalizeMap(data)
	}
	out := make(map[string]interface{}, len(mappings))
	for src, dst := range mappings {
		if v, ok := data[src]; ok {
			if dst == "" {
				dst = src
			}
			out[dst] = normalizeValue(v)
		}
	}
	return out
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

// normalizeValue 把值规范化为 JSON 原生类型，保证编码器不会失败
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(val)
	case map[string]interface{}:
		return normalizeMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return utils.ToString(val)
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func unionColumns(docs []*Document) []string {
	seen := make(map[string]struct{})
	var columns []string
	for _, doc := range docs {
		for k := range doc.Data {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)
	return columns
}
