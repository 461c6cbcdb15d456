/*
 * @module service/meta/push_meta
 * @description 增量推送相关的枚举常量定义：变更操作、目标类型、健康状态、熔断状态、负载均衡策略、校验规则等
 * @architecture 元数据层 - 常量与枚举描述
 * @documentReference ai_docs/push_design.md
 * @stateFlow 无状态
 * @rules 所有字符串标签统一在此定义，业务代码不得硬编码
 * @dependencies 无
 * @refs service/models/push_target.go, service/models/push_result.go
 */

package meta

// 变更操作类型
const (
	OperationInsert = "INSERT"
	OperationUpdate = "UPDATE"
	OperationDelete = "DELETE"
)

// 推送目标类型
const (
	TargetTypeDatabase = "database"
	TargetTypeAPI      = "api"
	TargetTypeFile     = "file"
	TargetTypeWebhook  = "webhook"
	TargetTypeQueue    = "queue"
)

var PushTargetTypes = []MetaField{
	{Name: TargetTypeDatabase, DisplayName: "数据库", Type: "string", Description: "PostgreSQL / MySQL 目标库"},
	{Name: TargetTypeAPI, DisplayName: "API接口", Type: "string", Description: "HTTP接口批量推送"},
	{Name: TargetTypeFile, DisplayName: "文件", Type: "string", Description: "本地目录或S3对象存储"},
	{Name: TargetTypeWebhook, DisplayName: "Webhook", Type: "string", Description: "带签名的HTTP回调"},
	{Name: TargetTypeQueue, DisplayName: "消息队列", Type: "string", Description: "Kafka / MQTT / RabbitMQ / NATS / Redis"},
}

// 目标健康状态
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
	HealthStatusUnknown   = "unknown"
)

// 熔断器状态
const (
	CircuitStateClosed   = "closed"
	CircuitStateOpen     = "open"
	CircuitStateHalfOpen = "half_open"
)

// 负载均衡策略
const (
	StrategyRoundRobin       = "round_robin"
	StrategyWeighted         = "weighted"
	StrategyLeastConnections = "least_connections"
	StrategyRandom           = "random"
	StrategyPriority         = "priority"
)

var LoadBalancingStrategies = []MetaField{
	{Name: StrategyRoundRobin, DisplayName: "轮询", Type: "string"},
	{Name: StrategyWeighted, DisplayName: "加权随机", Type: "string"},
	{Name: StrategyLeastConnections, DisplayName: "最少连接", Type: "string"},
	{Name: StrategyRandom, DisplayName: "随机", Type: "string"},
	{Name: StrategyPriority, DisplayName: "优先级", Type: "string"},
}

// 执行策略
const (
	ExecutionSingle       = "single"
	ExecutionParallel     = "parallel"
	ExecutionSequential   = "sequential"
	ExecutionLoadBalanced = "load_balanced"
	ExecutionNone         = "none"
)

// 推送结果状态
const (
	PushStatusSuccess = "success"
	PushStatusFailed  = "failed"
	PushStatusPartial = "partial"
	PushStatusTimeout = "timeout"
)

// 数据格式
const (
	FormatJSON = "json"
	FormatXML  = "xml"
	FormatCSV  = "csv"
	FormatAvro = "avro"
)

// 校验规则类型
const (
	RuleTypeCount    = "count"
	RuleTypeChecksum = "checksum"
	RuleTypeContent  = "content"
	RuleTypeSchema   = "schema"
	RuleTypeCustom   = "custom"
)

var VerificationRuleTypes = []MetaField{
	{Name: RuleTypeCount, DisplayName: "记录数校验", Type: "string"},
	{Name: RuleTypeChecksum, DisplayName: "校验和校验", Type: "string"},
	{Name: RuleTypeContent, DisplayName: "内容抽样校验", Type: "string"},
	{Name: RuleTypeSchema, DisplayName: "结构校验", Type: "string"},
	{Name: RuleTypeCustom, DisplayName: "自定义脚本校验", Type: "string"},
}

// 校验结果状态
const (
	VerificationSuccess = "success"
	VerificationFailed  = "failed"
	VerificationTimeout = "timeout"
	VerificationError   = "error"
)

// 确认类型与状态
const (
	ConfirmationAuto    = "auto"
	ConfirmationManual  = "manual"
	ConfirmationDelayed = "delayed"

	ConfirmationPending   = "pending"
	ConfirmationVerifying = "verifying"
	ConfirmationConfirmed = "confirmed"
	ConfirmationRejected  = "rejected"
	ConfirmationTimeout   = "timeout"
)

// 回滚策略与状态
const (
	RollbackCompensating  = "compensating_transaction"
	RollbackRestoreBackup = "restore_backup"
	RollbackManual        = "manual"

	RollbackStatusPlanned   = "planned"
	RollbackStatusExecuting = "executing"
	RollbackStatusCompleted = "completed"
	RollbackStatusFailed    = "failed"
)

// 回滚操作类型（除三种数据操作外）
const (
	RollbackOpRestoreBackup = "RESTORE_BACKUP"
	RollbackOpManual        = "MANUAL_INTERVENTION"
)

// 变更源类别
const (
	SourceCategoryDatabase = "database"
	SourceCategoryHTTP     = "http"
	SourceCategoryFile     = "file"
)

// 推送执行状态
const (
	ExecutionStatusRunning = "running"
	ExecutionStatusSuccess = "success"
	ExecutionStatusFailed  = "failed"
)

// 队列类型
const (
	BrokerKafka    = "kafka"
	BrokerMQTT     = "mqtt"
	BrokerRabbitMQ = "rabbitmq"
	BrokerNATS     = "nats"
	BrokerRedis    = "redis"
)

// 审计操作者类型
const (
	ActorTypeUser   = "user"
	ActorTypeSystem = "system"
)
