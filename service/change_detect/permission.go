/*
 * @module service/change_detect/permission
 * @description 推送权限闸门，按 表禁止列表 -> 表允许列表 -> 字段禁止列表 -> IP 允许列表 -> 时段允许列表 逐条过滤变更
 * @architecture 策略缓存 + 顺序检查链
 * @documentReference ai_docs/push_design.md
 * @stateFlow 变更记录 -> 查找策略(目标级，缺省回落到 *) -> 逐项检查 -> 允许/拒绝(附原因)
 * @rules
 *   - 第一个失败的检查即短路，拒绝必须带可读原因
 *   - 无策略时不做限制
 *   - 策略按 (租户, 身份, 目标) 缓存，策略变更后必须调用 InvalidatePolicy
 * @dependencies github.com/hashicorp/golang-lru/v2/expirable, service/utils(glob 匹配)
 * @refs service/change_detect/store.go
 */

package change_detect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"datapush-service/service/audit"
	"datapush-service/service/models"
	"datapush-service/service/monitoring"
	"datapush-service/service/utils"
)

// wildcardTarget 对所有目标生效的策略
const wildcardTarget = "*"

// Identity 调用方身份
type Identity struct {
	ID string
	IP string
}

// DeniedChange 被拒绝的变更及原因
type DeniedChange struct {
	RecordID  string `json:"record_id"`
	TableName string `json:"table_name"`
	Reason    string `json:"reason"`
}

// PermissionResult 权限过滤结果
type PermissionResult struct {
	Allowed []models.ChangeRecord `json:"-"`
	Denied  []DeniedChange        `json:"denied"`
}

// Reasons 拒绝原因列表
func (r *PermissionResult) Reasons() []string {
	reasons := make([]string, 0, len(r.Denied))
	for _, d := range r.Denied {
		reasons = append(reasons, d.Reason)
	}
	return reasons
}

type cachedPolicy struct {
	policy *models.PermissionPolicy // nil 表示无策略
}

// PermissionGate 推送权限闸门
type PermissionGate struct {
	store PolicyStore
	cache *expirable.LRU[string, cachedPolicy]
	audit audit.Sink
	now   func() time.Time
}

// NewPermissionGate 创建权限闸门
func NewPermissionGate(store PolicyStore, sink audit.Sink, cacheSize int, ttl time.Duration, now func() time.Time) *PermissionGate {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &PermissionGate{
		store: store,
		cache: expirable.NewLRU[string, cachedPolicy](cacheSize, nil, ttl),
		audit: sink,
		now:   now,
	}
}

func policyKey(tenantID, identity, targetID string) string {
	return tenantID + "|" + identity + "|" + targetID
}

// ValidatePushPermissions 过滤变更，返回允许的变更与被拒绝的变更原因
func (g *PermissionGate) ValidatePushPermissions(ctx context.Context, identity Identity, tenantID string, changes []models.ChangeRecord, targetID string) (*PermissionResult, error) {
	policy, err := g.resolvePolicy(ctx, tenantID, identity.ID, targetID)
	if err != nil {
		return nil, err
	}

	res := &PermissionResult{Allowed: make([]models.ChangeRecord, 0, len(changes))}
	if policy == nil {
		res.Allowed = append(res.Allowed, changes...)
		return res, nil
	}

	hour := g.now().Hour()
	for _, c := range changes {
		if reason := g.check(policy, c, identity.IP, hour); reason != "" {
			res.Denied = append(res.Denied, DeniedChange{RecordID: c.RecordID, TableName: c.TableName, Reason: reason})
			continue
		}
		res.Allowed = append(res.Allowed, c)
	}

	if len(res.Denied) > 0 {
		monitoring.ChangesDenied.Add(float64(len(res.Denied)))
		g.audit.Record(ctx, audit.Entry{
			TenantID:     tenantID,
			Action:       audit.ActionPermissionDenied,
			ActorType:    audit.UserActor(identity.ID).Type,
			ActorID:      identity.ID,
			ResourceType: "target",
			ResourceID:   targetID,
			Details: map[string]interface{}{
				"denied":  len(res.Denied),
				"allowed": len(res.Allowed),
				"reasons": res.Reasons(),
				"ip":      identity.IP,
			},
			Success: false,
		})
	}
	return res, nil
}

// check 按固定顺序检查，返回第一个失败项的原因
func (g *PermissionGate) check(p *models.PermissionPolicy, c models.ChangeRecord, ip string, hour int) string {
	if utils.MatchAny(p.DeniedTables, c.TableName) {
		return fmt.Sprintf("记录 %s: 表 %s 在禁止推送列表中", c.RecordID, c.TableName)
	}
	if len(p.AllowedTables) > 0 && !containsWildcard(p.AllowedTables) && !utils.MatchAny(p.AllowedTables, c.TableName) {
		return fmt.Sprintf("记录 %s: 表 %s 不在允许推送列表中", c.RecordID, c.TableName)
	}
	for field := range c.NewData {
		if utils.MatchAny(p.DeniedFields, field) {
			return fmt.Sprintf("记录 %s: 字段 %s 禁止推送", c.RecordID, field)
		}
	}
	if len(p.AllowedIPs) > 0 && !ipAllowed(p.AllowedIPs, ip) {
		return fmt.Sprintf("记录 %s: 调用方 IP %q 不在允许列表中", c.RecordID, ip)
	}
	if len(p.AllowedHours) > 0 && !hourAllowed(p.AllowedHours, hour) {
		return fmt.Sprintf("记录 %s: 当前时段 %d 点不允许推送", c.RecordID, hour)
	}
	return ""
}

func containsWildcard(patterns []string) bool {
	for _, p := range patterns {
		if p == wildcardTarget {
			return true
		}
	}
	return false
}

func ipAllowed(allowed []string, ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil && network.Contains(parsed) {
				return true
			}
			continue
		}
		if other := net.ParseIP(entry); other != nil && other.Equal(parsed) {
			return true
		}
	}
	return false
}

func hourAllowed(hours []int, hour int) bool {
	for _, h := range hours {
		if h == hour {
			return true
		}
	}
	return false
}

// resolvePolicy 先查目标级策略，再回落到通配策略
func (g *PermissionGate) resolvePolicy(ctx context.Context, tenantID, identity, targetID string) (*models.PermissionPolicy, error) {
	key := policyKey(tenantID, identity, targetID)
	if cached, ok := g.cache.Get(key); ok {
		return cached.policy, nil
	}

	var policy *models.PermissionPolicy
	for _, candidate := range []string{targetID, wildcardTarget} {
		p, err := g.store.Get(ctx, tenantID, identity, candidate)
		if errors.Is(err, ErrPolicyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		policy = p
		break
	}
	g.cache.Add(key, cachedPolicy{policy: policy})
	return policy, nil
}

// SavePolicy 保存策略并使相关缓存失效
func (g *PermissionGate) SavePolicy(ctx context.Context, actor audit.Actor, policy *models.PermissionPolicy) error {
	if policy.TargetID == "" {
		policy.TargetID = wildcardTarget
	}
	if policy.TenantID == "" || policy.Identity == "" {
		return &utils.ValidationError{Fields: map[string]string{"identity": "租户与身份不能为空"}}
	}
	for _, entry := range policy.AllowedIPs {
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return &utils.ValidationError{Fields: map[string]string{"allowed_ips": fmt.Sprintf("非法网段 %s", entry)}}
			}
		} else if net.ParseIP(entry) == nil {
			return &utils.ValidationError{Fields: map[string]string{"allowed_ips": fmt.Sprintf("非法地址 %s", entry)}}
		}
	}
	for _, h := range policy.AllowedHours {
		if h < 0 || h > 23 {
			return &utils.ValidationError{Fields: map[string]string{"allowed_hours": fmt.Sprintf("非法小时 %d", h)}}
		}
	}

	policy.UpdatedAt = g.now()
	err := g.store.Upsert(ctx, policy)
	g.InvalidatePolicy(ctx, actor, policy.TenantID, policy.Identity, policy.TargetID)
	return err
}

// ListPolicies 查询租户的全部策略
func (g *PermissionGate) ListPolicies(ctx context.Context, tenantID string) ([]models.PermissionPolicy, error) {
	return g.store.List(ctx, tenantID)
}

// DeletePolicy 删除策略并使相关缓存失效
func (g *PermissionGate) DeletePolicy(ctx context.Context, actor audit.Actor, tenantID, identity, targetID string) error {
	err := g.store.Delete(ctx, tenantID, identity, targetID)
	g.InvalidatePolicy(ctx, actor, tenantID, identity, targetID)
	return err
}

// InvalidatePolicy 使策略缓存失效；通配策略失效时清除该身份下的全部目标缓存
func (g *PermissionGate) InvalidatePolicy(ctx context.Context, actor audit.Actor, tenantID, identity, targetID string) {
	removed := 0
	if targetID == wildcardTarget {
		prefix := tenantID + "|" + identity + "|"
		for _, key := range g.cache.Keys() {
			if strings.HasPrefix(key, prefix) && g.cache.Remove(key) {
				removed++
			}
		}
	} else if g.cache.Remove(policyKey(tenantID, identity, targetID)) {
		removed++
	}

	g.audit.Record(ctx, audit.Entry{
		TenantID:     tenantID,
		Action:       audit.ActionPolicyInvalidated,
		ActorType:    actor.Type,
		ActorID:      actor.ID,
		ResourceType: "permission_policy",
		ResourceID:   policyKey(tenantID, identity, targetID),
		Details:      map[string]interface{}{"cache_entries_removed": removed},
		Success:      true,
	})
}
