/*
 * @module service/change_detect/detector
 * @description 变更检测器注册中心，按变更源类别分派检测策略
 * @architecture 注册中心模式 - 类别到检测器的映射，新增类别无需修改推送流水线
 * @documentReference ai_docs/push_design.md
 * @stateFlow 变更源配置 -> 按 category 查找检测器 -> Detect(since) -> 变更记录
 * @rules 检测器只读源端数据，不推进检查点
 * @dependencies github.com/spf13/cast
 * @refs database_detector.go, http_detector.go, file_detector.go, service.go
 */

package change_detect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"datapush-service/service/models"
)

// ErrUnsupportedCategory 变更源类别没有对应检测器
var ErrUnsupportedCategory = errors.New("不支持的变更源类别")

// Detector 单一变更源类别的检测实现
type Detector interface {
	Category() string
	Detect(ctx context.Context, source *models.ChangeSource, since time.Time) ([]models.ChangeRecord, error)
}

// Registry 检测器注册中心
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
}

// NewRegistry 创建注册中心并注册给定检测器
func NewRegistry(detectors ...Detector) *Registry {
	r := &Registry{detectors: make(map[string]Detector)}
	for _, d := range detectors {
		r.Register(d)
	}
	return r
}

// NewDefaultRegistry 注册内置的数据库、HTTP、文件检测器
func NewDefaultRegistry() *Registry {
	return NewRegistry(NewDatabaseDetector(nil), NewHTTPDetector(nil), NewFileDetector())
}

// Register 注册或替换检测器
func (r *Registry) Register(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors[d.Category()] = d
}

// Get 获取指定类别的检测器
func (r *Registry) Get(category string) (Detector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[category]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCategory, category)
	}
	return d, nil
}

// Categories 已注册的类别
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.detectors))
	for c := range r.detectors {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
