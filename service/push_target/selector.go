/*
 * @module service/push_target/selector
 * @description 路由条件匹配与负载均衡选择策略
 * @architecture 策略模式 - 每种负载均衡策略一个 Selector，按策略标签注册
 * @documentReference ai_docs/push_design.md
 * @stateFlow 路由按优先级降序匹配 -> 首个完全匹配的路由 -> 各目标组过滤可用目标 -> 策略排序
 * @rules
 *   - 条件未配置的维度视为匹配
 *   - 表名条件支持 glob 模式
 *   - Selector 返回排序后的候选，首位即策略选中的目标
 * @dependencies github.com/gobwas/glob (经由 utils.MatchAny)
 * @refs service/push_target/registry.go
 */

package push_target

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/utils"
)

// PushContext 路由匹配上下文
type PushContext struct {
	Tables     []string
	Operations []string
	DataSize   int64
	Priority   int
	Now        time.Time
}

// NewPushContext 从变更记录构建路由上下文
func NewPushContext(changes []models.ChangeRecord, priority int, now time.Time) PushContext {
	pc := PushContext{Priority: priority, Now: now}
	tables := map[string]bool{}
	ops := map[string]bool{}
	for _, c := range changes {
		if !tables[c.TableName] {
			tables[c.TableName] = true
			pc.Tables = append(pc.Tables, c.TableName)
		}
		op := strings.ToUpper(c.Operation)
		if !ops[op] {
			ops[op] = true
			pc.Operations = append(pc.Operations, op)
		}
		pc.DataSize += c.EstimatedSize()
	}
	sort.Strings(pc.Tables)
	sort.Strings(pc.Operations)
	return pc
}

// MatchRoute 判断路由条件是否完全匹配
func MatchRoute(cond models.RouteConditions, pc PushContext) bool {
	if len(cond.Tables) > 0 && !utils.IsWildcard(cond.Tables) {
		for _, t := range pc.Tables {
			if !utils.MatchAny(cond.Tables, t) {
				return false
			}
		}
	}
	if len(cond.Operations) > 0 {
		for _, op := range pc.Operations {
			if !containsFold(cond.Operations, op) {
				return false
			}
		}
	}
	if cond.MaxDataSize > 0 && pc.DataSize > cond.MaxDataSize {
		return false
	}
	if len(cond.TimeWindows) > 0 {
		hour := pc.Now.Hour()
		inWindow := false
		for _, w := range cond.TimeWindows {
			if w.Contains(hour) {
				inWindow = true
				break
			}
		}
		if !inWindow {
			return false
		}
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// Selector 单一负载均衡策略，返回排序后的候选目标
type Selector interface {
	Order(groupKey string, targets []models.PushTarget) []models.PushTarget
}

// ConnectionCounter 提供目标当前活动连接数
type ConnectionCounter interface {
	ActiveConnections(targetID string) int64
}

type roundRobinSelector struct {
	counters *xsync.MapOf[string, *atomic.Uint64]
}

// Order 每次调用起点后移一位
func (s *roundRobinSelector) Order(groupKey string, targets []models.PushTarget) []models.PushTarget {
	if len(targets) == 0 {
		return targets
	}
	counter, _ := s.counters.LoadOrCompute(groupKey, func() *atomic.Uint64 { return &atomic.Uint64{} })
	start := int((counter.Add(1) - 1) % uint64(len(targets)))
	out := make([]models.PushTarget, 0, len(targets))
	out = append(out, targets[start:]...)
	return append(out, targets[:start]...)
}

// lockedRand 并发安全的随机源
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

func (l *lockedRand) Shuffle(n int, swap func(i, j int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.r.Shuffle(n, swap)
}

type weightedSelector struct {
	rnd *lockedRand
}

// Order 按权重的不放回随机抽样
func (s *weightedSelector) Order(groupKey string, targets []models.PushTarget) []models.PushTarget {
	remaining := append([]models.PushTarget(nil), targets...)
	out := make([]models.PushTarget, 0, len(targets))
	for len(remaining) > 0 {
		total := 0
		for _, t := range remaining {
			total += t.EffectiveWeight()
		}
		pick := s.rnd.Intn(total)
		idx := 0
		for i, t := range remaining {
			pick -= t.EffectiveWeight()
			if pick < 0 {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

type leastConnectionsSelector struct {
	counter ConnectionCounter
}

// Order 活动连接数升序
func (s *leastConnectionsSelector) Order(groupKey string, targets []models.PushTarget) []models.PushTarget {
	out := append([]models.PushTarget(nil), targets...)
	sort.SliceStable(out, func(i, j int) bool {
		return s.counter.ActiveConnections(out[i].ID) < s.counter.ActiveConnections(out[j].ID)
	})
	return out
}

type randomSelector struct {
	rnd *lockedRand
}

func (s *randomSelector) Order(groupKey string, targets []models.PushTarget) []models.PushTarget {
	out := append([]models.PushTarget(nil), targets...)
	s.rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

type prioritySelector struct{}

// Order priority 字段降序
func (prioritySelector) Order(groupKey string, targets []models.PushTarget) []models.PushTarget {
	out := append([]models.PushTarget(nil), targets...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// NewSelectors 创建内置的五种策略
func NewSelectors(counter ConnectionCounter, seed int64) map[string]Selector {
	rnd := newLockedRand(seed)
	return map[string]Selector{
		meta.StrategyRoundRobin:       &roundRobinSelector{counters: xsync.NewMapOf[string, *atomic.Uint64]()},
		meta.StrategyWeighted:         &weightedSelector{rnd: rnd},
		meta.StrategyLeastConnections: &leastConnectionsSelector{counter: counter},
		meta.StrategyRandom:           &randomSelector{rnd: rnd},
		meta.StrategyPriority:         prioritySelector{},
	}
}

func groupKey(route *models.PushRoute, idx int) string {
	return fmt.Sprintf("%s#%d", route.ID, idx)
}
