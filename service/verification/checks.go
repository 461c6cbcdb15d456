/*
 * @module service/verification/checks
 * @description 校验规则实现：记录数、校验和、内容抽样、结构、自定义脚本
 * @architecture 策略模式 - 每种规则类型一个 Check，按规则类型注册
 * @documentReference ai_docs/push_design.md
 * @stateFlow 推送结果 + 原始变更 -> Check.Verify -> CheckOutcome
 * @rules
 *   - 校验不匹配是结果状态，只有无法执行校验时才返回 error
 *   - 校验和按 record_id 排序、键有序序列化，算法 sha256 或 xxhash64
 * @dependencies github.com/xeipuuv/gojsonschema, github.com/spf13/cast
 * @refs service/verification/verifier.go, service/format_convert/checksum.go
 */

package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"
	"github.com/xeipuuv/gojsonschema"

	"datapush-service/service/format_convert"
	"datapush-service/service/meta"
	"datapush-service/service/models"
)

// CheckInput 校验输入
type CheckInput struct {
	Rule     *models.VerificationRule
	Result   *models.PushResult
	Target   *models.PushTarget
	Changes  []models.ChangeRecord
	Payloads []format_convert.Payload
}

// CheckOutcome 校验输出
type CheckOutcome struct {
	Passed          bool
	RecordsVerified int
	RecordsFailed   int
	Expected        string
	Actual          string
	Message         string
	Details         map[string]interface{}
}

// Check 单一规则类型的校验实现
type Check interface {
	RuleType() string
	Verify(ctx context.Context, in *CheckInput) (*CheckOutcome, error)
}

// RecordReader 从目标回读记录
type RecordReader interface {
	ReadRecord(ctx context.Context, target *models.PushTarget, table string, key map[string]interface{}) (map[string]interface{}, bool, error)
}

// countCheck 比较原始变更数与目标接收数
type countCheck struct{}

func (countCheck) RuleType() string { return meta.RuleTypeCount }

func (countCheck) Verify(ctx context.Context, in *CheckInput) (*CheckOutcome, error) {
	expected := len(in.Changes)
	actual := in.Result.RecordsPushed
	tolerance := cast.ToFloat64(in.Rule.Config["tolerance_percentage"])
	diff := math.Abs(float64(expected - actual))

	out := &CheckOutcome{
		Passed:          diff <= tolerance*float64(expected),
		RecordsVerified: actual,
		Expected:        fmt.Sprint(expected),
		Actual:          fmt.Sprint(actual),
	}
	if expected > actual {
		out.RecordsFailed = expected - actual
	}
	if !out.Passed {
		out.Message = fmt.Sprintf("记录数不一致: 期望 %d, 实际 %d", expected, actual)
	}
	return out, nil
}

// checksumCheck 比较本地计算的校验和与目标回报的校验和
type checksumCheck struct{}

func (checksumCheck) RuleType() string { return meta.RuleTypeChecksum }

func (checksumCheck) Verify(ctx context.Context, in *CheckInput) (*CheckOutcome, error) {
	cfg := in.Rule.Config
	algorithm := cast.ToString(cfg["algorithm"])
	if algorithm == "" && in.Target != nil {
		algorithm = in.Target.ParsedFormatConfig().ChecksumAlgorithm
	}
	expected := format_convert.ComputeChecksum(in.Changes, algorithm, cast.ToBool(cfg["include_metadata"]))
	actual := in.Result.TargetChecksum

	out := &CheckOutcome{
		Passed:          actual != "" && strings.EqualFold(expected, actual),
		RecordsVerified: len(in.Changes),
		Expected:        expected,
		Actual:          actual,
	}
	switch {
	case actual == "":
		out.Message = "目标未回报校验和"
		out.RecordsFailed = len(in.Changes)
	case !out.Passed:
		out.Message = "校验和不一致"
		out.RecordsFailed = len(in.Changes)
	}
	return out, nil
}

// contentCheck 抽样回读目标记录并逐字段比较
type contentCheck struct {
	reader RecordReader
}

func (contentCheck) RuleType() string { return meta.RuleTypeContent }

func (c contentCheck) Verify(ctx context.Context, in *CheckInput) (*CheckOutcome, error) {
	if c.reader == nil {
		return nil, fmt.Errorf("内容校验未配置回读能力")
	}
	cfg := in.Rule.Config
	percentage := 10.0
	if v, ok := cfg["sample_percentage"]; ok {
		percentage = cast.ToFloat64(v)
	}
	keyFields := cast.ToStringSlice(cfg["key_fields"])
	if len(keyFields) == 0 {
		keyFields = []string{"id"}
	}

	indices := sampleIndices(len(in.Changes), percentage)
	out := &CheckOutcome{Details: map[string]interface{}{}}
	var mismatches []string
	for _, idx := range indices {
		change := in.Changes[idx]
		fields := change.Data()
		if idx < len(in.Payloads) && in.Payloads[idx].Fields != nil {
			fields = in.Payloads[idx].Fields
		}
		if change.Operation == meta.OperationDelete && len(fields) == 0 {
			fields = change.Old()
		}

		key := make(map[string]interface{}, len(keyFields))
		for _, k := range keyFields {
			if v, ok := fields[k]; ok {
				key[k] = v
			}
		}
		if len(key) == 0 {
			key[keyFields[0]] = change.RecordID
		}

		row, found, err := c.reader.ReadRecord(ctx, in.Target, change.TableName, key)
		if err != nil {
			return nil, fmt.Errorf("回读记录 %s 失败: %w", change.RecordID, err)
		}
		out.RecordsVerified++

		if reason := compareRecord(change.Operation, fields, row, found); reason != "" {
			out.RecordsFailed++
			mismatches = append(mismatches, change.RecordID+": "+reason)
		}
	}

	rate := 0.0
	if out.RecordsVerified > 0 {
		rate = float64(out.RecordsFailed) / float64(out.RecordsVerified)
	}
	out.Passed = rate <= in.Rule.ErrorThreshold
	out.Expected = fmt.Sprintf("mismatch_rate<=%.4f", in.Rule.ErrorThreshold)
	out.Actual = fmt.Sprintf("%.4f", rate)
	out.Details["sampled"] = len(indices)
	if len(mismatches) > 0 {
		out.Details["mismatches"] = mismatches
	}
	if !out.Passed {
		out.Message = fmt.Sprintf("抽样不一致率 %.2f%% 超过阈值", rate*100)
	}
	return out, nil
}

// sampleIndices 按百分比等间距抽样，至少抽取1条
func sampleIndices(total int, percentage float64) []int {
	if total == 0 {
		return nil
	}
	n := int(math.Ceil(float64(total) * percentage / 100))
	if n < 1 {
		n = 1
	}
	if n > total {
		n = total
	}
	indices := make([]int, 0, n)
	step := float64(total) / float64(n)
	for i := 0; i < n; i++ {
		indices = append(indices, int(float64(i)*step))
	}
	return indices
}

func compareRecord(operation string, expected, actual map[string]interface{}, found bool) string {
	if operation == meta.OperationDelete {
		if found {
			return "已删除记录仍存在"
		}
		return ""
	}
	if !found {
		return "目标中不存在该记录"
	}
	for k, v := range expected {
		got, ok := actual[k]
		if !ok {
			return fmt.Sprintf("缺少字段 %s", k)
		}
		if cast.ToString(v) != cast.ToString(got) {
			return fmt.Sprintf("字段 %s 不一致", k)
		}
	}
	return ""
}

// schemaCheck 用 JSON Schema 校验推送报文结构
type schemaCheck struct{}

func (schemaCheck) RuleType() string { return meta.RuleTypeSchema }

func (schemaCheck) Verify(ctx context.Context, in *CheckInput) (*CheckOutcome, error) {
	raw := in.Rule.Config["schema"]
	if raw == nil && in.Target != nil {
		if s := in.Target.ParsedFormatConfig().Schema; len(s) > 0 {
			raw = s
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("结构校验缺少 schema 配置")
	}

	var loader gojsonschema.JSONLoader
	if s, ok := raw.(string); ok {
		loader = gojsonschema.NewStringLoader(s)
	} else {
		loader = gojsonschema.NewGoLoader(raw)
	}
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("编译 JSON Schema 失败: %w", err)
	}

	out := &CheckOutcome{Details: map[string]interface{}{}}
	var violations []string
	for i, change := range in.Changes {
		doc := change.Data()
		if i < len(in.Payloads) && in.Payloads[i].Fields != nil {
			doc = in.Payloads[i].Fields
		}
		if change.Operation == meta.OperationDelete && len(doc) == 0 {
			continue
		}
		// 经 JSON 往返统一数值类型
		normalized, err := roundTrip(doc)
		if err != nil {
			return nil, err
		}
		res, err := schema.Validate(gojsonschema.NewGoLoader(normalized))
		if err != nil {
			return nil, fmt.Errorf("执行结构校验失败: %w", err)
		}
		out.RecordsVerified++
		if !res.Valid() {
			out.RecordsFailed++
			for _, desc := range res.Errors() {
				violations = append(violations, fmt.Sprintf("%s: %s", change.RecordID, desc.String()))
			}
		}
	}

	rate := 0.0
	if out.RecordsVerified > 0 {
		rate = float64(out.RecordsFailed) / float64(out.RecordsVerified)
	}
	out.Passed = rate <= in.Rule.ErrorThreshold
	out.Expected = fmt.Sprint(out.RecordsVerified)
	out.Actual = fmt.Sprint(out.RecordsVerified - out.RecordsFailed)
	if len(violations) > 0 {
		if len(violations) > 20 {
			violations = violations[:20]
		}
		out.Details["violations"] = violations
	}
	if !out.Passed {
		out.Message = fmt.Sprintf("%d 条记录不符合结构定义", out.RecordsFailed)
	}
	return out, nil
}

func roundTrip(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("序列化记录失败: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("反序列化记录失败: %w", err)
	}
	return out, nil
}
