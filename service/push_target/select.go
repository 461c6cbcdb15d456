package push_target

import (
	"context"
	"errors"
	"log/slog"

	"datapush-service/service/models"
)

// Selection 目标选择结果
type Selection struct {
	Route        *models.PushRoute   `json:"route,omitempty"`
	RouteMatched bool                `json:"route_matched"`
	Targets      []models.PushTarget `json:"-"`
}

// TargetIDs 选中目标ID
func (s *Selection) TargetIDs() []string {
	ids := make([]string, 0, len(s.Targets))
	for _, t := range s.Targets {
		ids = append(ids, t.ID)
	}
	return ids
}

// SelectTargets 按路由选择目标；无路由匹配时退化为租户内优先级最高的可用目标
func (r *Registry) SelectTargets(ctx context.Context, tenantID string, pc PushContext) (*Selection, error) {
	if pc.Now.IsZero() {
		pc.Now = r.now()
	}
	routes, err := r.routes.ListEnabled(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for i := range routes {
		route := &routes[i]
		if !MatchRoute(route.Conditions, pc) {
			continue
		}
		targets, err := r.resolveGroups(ctx, route)
		if err != nil {
			return nil, err
		}
		return &Selection{Route: route, RouteMatched: true, Targets: targets}, nil
	}

	best, err := r.bestAvailable(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sel := &Selection{}
	if best != nil {
		sel.Targets = []models.PushTarget{*best}
	}
	return sel, nil
}

// resolveGroups 对路由的每个目标组过滤可用目标并按策略排序；未开启故障转移的组只取首位
func (r *Registry) resolveGroups(ctx context.Context, route *models.PushRoute) ([]models.PushTarget, error) {
	seen := map[string]bool{}
	var selected []models.PushTarget
	for idx, group := range route.TargetGroups {
		candidates := make([]models.PushTarget, 0, len(group.Targets))
		for _, id := range group.Targets {
			target, err := r.targets.Get(ctx, route.TenantID, id)
			if errors.Is(err, ErrTargetNotFound) {
				slog.Warn("路由引用的目标不存在", "route_id", route.ID, "target_id", id)
				continue
			}
			if err != nil {
				return nil, err
			}
			if !r.usable(target, group) {
				continue
			}
			candidates = append(candidates, *target)
		}
		if len(candidates) == 0 {
			continue
		}

		selector, ok := r.selectors[group.Strategy]
		if !ok {
			selector = prioritySelector{}
		}
		ordered := selector.Order(groupKey(route, idx), candidates)
		if !group.FailoverEnabled {
			ordered = ordered[:1]
		}
		for _, t := range ordered {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			selected = append(selected, t)
		}
	}
	return r.decryptAll(selected)
}

func (r *Registry) usable(target *models.PushTarget, group models.LoadBalancingStrategy) bool {
	if !target.Enabled {
		return false
	}
	if group.HealthCheckEnabled && !target.IsHealthy() {
		return false
	}
	breaker := r.breakers.Get(target.ID)
	if group.CircuitBreakerEnabled {
		return breaker.AvailableAt(group.CircuitBreakerThreshold)
	}
	return breaker.Available()
}

func (r *Registry) bestAvailable(ctx context.Context, tenantID string) (*models.PushTarget, error) {
	targets, err := r.targets.List(ctx, tenantID, TargetFilter{EnabledOnly: true})
	if err != nil {
		return nil, err
	}
	var best *models.PushTarget
	for i := range targets {
		t := &targets[i]
		if !t.IsHealthy() || !r.breakers.Get(t.ID).Available() {
			continue
		}
		if best == nil || t.Priority > best.Priority {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	if err := r.decrypt(best); err != nil {
		return nil, err
	}
	return best, nil
}
