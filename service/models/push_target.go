/*
 * @module service/models/push_target
 * @description 推送目标配置模型及各配置段（重试、路由、健康检查、格式）的类型化解析
 * @architecture 分层架构 - 数据模型层
 * @documentReference ai_docs/push_design.md
 * @stateFlow 创建 -> 健康检查/投递结果更新状态 -> 禁用/删除
 * @rules 连接配置中的敏感字段只以密文形式持久化；目标状态只由目标注册中心修改
 * @dependencies gorm.io/gorm, github.com/google/uuid, github.com/spf13/cast
 * @refs service/push_target/registry.go
 */

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"gorm.io/gorm"
)

// PushTarget 推送目标配置
type PushTarget struct {
	ID                  string     `json:"target_id" gorm:"primaryKey;type:varchar(36)"`
	TenantID            string     `json:"tenant_id" gorm:"not null;size:64;index"`
	Name                string     `json:"name" gorm:"not null;size:255" validate:"required,max=255"`
	TargetType          string     `json:"target_type" gorm:"not null;size:20" validate:"required,oneof=database api file webhook queue"`
	ConnectionConfig    JSONB      `json:"connection_config" gorm:"type:jsonb"`
	FormatConfig        JSONB      `json:"format_config" gorm:"type:jsonb"`
	RetryConfig         JSONB      `json:"retry_config" gorm:"type:jsonb"`
	RoutingConfig       JSONB      `json:"routing_config" gorm:"type:jsonb"`
	HealthCheckConfig   JSONB      `json:"health_check_config" gorm:"type:jsonb"`
	Enabled             bool       `json:"enabled" gorm:"not null"`
	Priority            int        `json:"priority" gorm:"not null" validate:"gte=0,lte=100"`
	Weight              int        `json:"weight" gorm:"not null" validate:"gte=0,lte=10000"`
	HealthStatus        string     `json:"health_status" gorm:"not null;size:20"` // healthy, unhealthy, unknown
	ConsecutiveFailures int        `json:"consecutive_failures" gorm:"not null"`
	LastError           string     `json:"last_error" gorm:"type:text"`
	LastHealthCheck     *time.Time `json:"last_health_check"`
	CreatedBy           string     `json:"created_by" gorm:"size:100"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// BeforeCreate 创建前钩子
func (t *PushTarget) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.HealthStatus == "" {
		t.HealthStatus = "unknown"
	}
	return nil
}

// RetryConfig 重试配置
type RetryConfig struct {
	MaxRetries        int           `json:"max_retries"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            bool          `json:"jitter"`
}

// DefaultRetryConfig 默认重试配置：3次重试，退避 min(2^n, 60) 秒
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Delay 计算第 attempt 次尝试失败后的等待时间（attempt 从 0 开始）：initial * multiplier^attempt，不超过 max
func (r RetryConfig) Delay(attempt int) time.Duration {
	delay := float64(r.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= r.BackoffMultiplier
		if delay >= float64(r.MaxDelay) {
			return r.MaxDelay
		}
	}
	return time.Duration(delay)
}

// ParsedRetryConfig 解析重试配置，缺失字段使用默认值
func (t *PushTarget) ParsedRetryConfig() RetryConfig {
	rc := DefaultRetryConfig()
	cfg := t.RetryConfig
	if v, ok := cfg["max_retries"]; ok {
		rc.MaxRetries = cast.ToInt(v)
	}
	if v, ok := cfg["initial_delay_seconds"]; ok {
		rc.InitialDelay = time.Duration(cast.ToFloat64(v) * float64(time.Second))
	}
	if v, ok := cfg["max_delay_seconds"]; ok {
		rc.MaxDelay = time.Duration(cast.ToFloat64(v) * float64(time.Second))
	}
	if v, ok := cfg["backoff_multiplier"]; ok {
		rc.BackoffMultiplier = cast.ToFloat64(v)
	}
	if v, ok := cfg["jitter"]; ok {
		rc.Jitter = cast.ToBool(v)
	}
	if rc.MaxRetries < 0 {
		rc.MaxRetries = 0
	}
	if rc.BackoffMultiplier < 1 {
		rc.BackoffMultiplier = 1
	}
	return rc
}

// RoutingConfig 容量与性能限制，0 表示不限制
type RoutingConfig struct {
	MaxConnections       int     `json:"max_connections"`
	MaxRequestsPerMinute int     `json:"max_requests_per_minute"`
	MaxPayloadBytes      int64   `json:"max_payload_bytes"`
	MaxErrorRate         float64 `json:"max_error_rate"`
	MaxResponseTimeMs    float64 `json:"max_response_time_ms"`
}

// ParsedRoutingConfig 解析路由限制配置
func (t *PushTarget) ParsedRoutingConfig() RoutingConfig {
	cfg := t.RoutingConfig
	return RoutingConfig{
		MaxConnections:       cast.ToInt(cfg["max_connections"]),
		MaxRequestsPerMinute: cast.ToInt(cfg["max_requests_per_minute"]),
		MaxPayloadBytes:      cast.ToInt64(cfg["max_payload_bytes"]),
		MaxErrorRate:         cast.ToFloat64(cfg["max_error_rate"]),
		MaxResponseTimeMs:    cast.ToFloat64(cfg["max_response_time_ms"]),
	}
}

// HealthCheckConfig 健康检查配置
type HealthCheckConfig struct {
	Enabled bool          `json:"enabled"`
	Timeout time.Duration `json:"timeout"`
}

// ParsedHealthCheckConfig 解析健康检查配置，超时默认10秒
func (t *PushTarget) ParsedHealthCheckConfig() HealthCheckConfig {
	cfg := t.HealthCheckConfig
	hc := HealthCheckConfig{
		Enabled: cast.ToBool(cfg["enabled"]),
		Timeout: 10 * time.Second,
	}
	if v := cast.ToFloat64(cfg["timeout_seconds"]); v > 0 {
		hc.Timeout = time.Duration(v * float64(time.Second))
	}
	return hc
}

// FormatConfig 数据格式配置
type FormatConfig struct {
	Format            string                 `json:"format"`
	FieldMappings     map[string]string      `json:"field_mappings"`
	IncludeMetadata   bool                   `json:"include_metadata"`
	Charset           string                 `json:"charset"`
	CSVHeader         bool                   `json:"csv_header"`
	RootElement       string                 `json:"root_element"`
	RecordElement     string                 `json:"record_element"`
	Compression       string                 `json:"compression"`
	ChecksumAlgorithm string                 `json:"checksum_algorithm"`
	Schema            map[string]interface{} `json:"schema"`
}

// ParsedFormatConfig 解析格式配置，格式默认 json
func (t *PushTarget) ParsedFormatConfig() FormatConfig {
	cfg := t.FormatConfig
	fc := FormatConfig{
		Format:            cast.ToString(cfg["format"]),
		IncludeMetadata:   cast.ToBool(cfg["include_metadata"]),
		Charset:           cast.ToString(cfg["charset"]),
		CSVHeader:         true,
		RootElement:       cast.ToString(cfg["root_element"]),
		RecordElement:     cast.ToString(cfg["record_element"]),
		Compression:       cast.ToString(cfg["compression"]),
		ChecksumAlgorithm: cast.ToString(cfg["checksum_algorithm"]),
	}
	if fc.Format == "" {
		fc.Format = "json"
	}
	if v, ok := cfg["csv_header"]; ok {
		fc.CSVHeader = cast.ToBool(v)
	}
	if v, ok := cfg["field_mappings"]; ok && v != nil {
		fc.FieldMappings = cast.ToStringMapString(v)
	}
	if v, ok := cfg["schema"]; ok && v != nil {
		fc.Schema = cast.ToStringMap(v)
	}
	return fc
}

// ConnString 读取连接配置中的字符串字段
func (t *PushTarget) ConnString(key string) string {
	return cast.ToString(t.ConnectionConfig[key])
}

// EffectiveWeight 返回用于比例拆分的权重，未配置时为1
func (t *PushTarget) EffectiveWeight() int {
	if t.Weight <= 0 {
		return 1
	}
	return t.Weight
}

// IsHealthy 目标是否可视为健康（未知状态视为可用）
func (t *PushTarget) IsHealthy() bool {
	return t.HealthStatus != "unhealthy"
}
