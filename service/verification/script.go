package verification

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spf13/cast"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"datapush-service/service/meta"
	"datapush-service/service/utils"
)

// scriptTemplate 自定义校验脚本包装，脚本体作为 Run 的函数体
// 返回 bool，或 map{"passed": bool, "message": string, "records_failed": int}
const scriptTemplate = `
package main

import (
	"fmt"
	"strings"
)

var _ = fmt.Sprint
var _ = strings.ToUpper

func Run(params map[string]interface{}) (interface{}, error) {
%s
}
`

type compiledScript struct {
	mu sync.Mutex
	fn func(map[string]interface{}) (interface{}, error)
}

// ScriptRunner 编译并缓存自定义校验脚本
type ScriptRunner struct {
	cache *xsync.MapOf[string, *compiledScript]
}

// NewScriptRunner 创建脚本执行器
func NewScriptRunner() *ScriptRunner {
	return &ScriptRunner{cache: xsync.NewMapOf[string, *compiledScript]()}
}

// Validate 编译脚本检查语法，编译结果进入缓存
func (s *ScriptRunner) Validate(script string) error {
	_, err := s.compile(script)
	return err
}

// compile 编译脚本，结果按内容哈希缓存
func (s *ScriptRunner) compile(script string) (*compiledScript, error) {
	hash := utils.SHA256Hash([]byte(script))
	if c, ok := s.cache.Load(hash); ok {
		return c, nil
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("加载标准库失败: %w", err)
	}
	if _, err := i.Eval(fmt.Sprintf(scriptTemplate, script)); err != nil {
		return nil, fmt.Errorf("脚本编译失败: %w", err)
	}
	v, err := i.Eval("Run")
	if err != nil {
		return nil, fmt.Errorf("脚本缺少 Run 函数: %w", err)
	}
	fn, ok := v.Interface().(func(map[string]interface{}) (interface{}, error))
	if !ok {
		return nil, fmt.Errorf("Run 函数签名必须是 func(map[string]interface{}) (interface{}, error)")
	}

	c, _ := s.cache.LoadOrStore(hash, &compiledScript{fn: fn})
	return c, nil
}

// Run 执行脚本
func (s *ScriptRunner) Run(script string, params map[string]interface{}) (interface{}, error) {
	c, err := s.compile(script)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fn(params)
}

// customCheck 执行规则配置中的脚本
type customCheck struct {
	runner *ScriptRunner
}

func (customCheck) RuleType() string { return meta.RuleTypeCustom }

func (c customCheck) Verify(ctx context.Context, in *CheckInput) (*CheckOutcome, error) {
	script := cast.ToString(in.Rule.Config["script"])
	if script == "" {
		return nil, fmt.Errorf("自定义校验缺少 script 配置")
	}

	changes := make([]interface{}, 0, len(in.Changes))
	for _, ch := range in.Changes {
		changes = append(changes, map[string]interface{}{
			"record_id":  ch.RecordID,
			"operation":  ch.Operation,
			"table_name": ch.TableName,
			"data":       ch.Data(),
			"old_data":   ch.Old(),
		})
	}
	params := map[string]interface{}{
		"changes": changes,
		"result": map[string]interface{}{
			"status":          in.Result.Status,
			"records_pushed":  in.Result.RecordsPushed,
			"records_failed":  in.Result.RecordsFailed,
			"target_checksum": in.Result.TargetChecksum,
		},
		"config": map[string]interface{}(in.Rule.Config),
	}
	if in.Target != nil {
		params["target_type"] = in.Target.TargetType
	}

	ret, err := c.runner.Run(script, params)
	if err != nil {
		return nil, fmt.Errorf("执行自定义校验脚本失败: %w", err)
	}

	out := &CheckOutcome{RecordsVerified: len(in.Changes)}
	switch v := ret.(type) {
	case bool:
		out.Passed = v
	case map[string]interface{}:
		out.Passed = cast.ToBool(v["passed"])
		out.Message = cast.ToString(v["message"])
		out.RecordsFailed = cast.ToInt(v["records_failed"])
		out.Details = v
	default:
		return nil, fmt.Errorf("自定义校验脚本返回值类型不支持: %T", ret)
	}
	if !out.Passed && out.Message == "" {
		out.Message = "自定义校验未通过"
	}
	out.Expected = "true"
	out.Actual = fmt.Sprint(out.Passed)
	return out, nil
}
