package push_target

import (
	"context"
	"fmt"

	"datapush-service/service/audit"
	"datapush-service/service/models"
	"datapush-service/service/utils"
)

// CreateRoute 创建推送路由，目标组引用的目标必须属于同一租户
func (r *Registry) CreateRoute(ctx context.Context, actor audit.Actor, route *models.PushRoute) (*models.PushRoute, error) {
	err := r.validateRoute(ctx, route)
	if err == nil {
		err = r.routes.Create(ctx, route)
	}
	r.recordRoute(ctx, actor, audit.ActionRouteCreate, route, err)
	if err != nil {
		return nil, err
	}
	return route, nil
}

// UpdateRoute 整体替换路由的条件、目标组、优先级与启用状态
func (r *Registry) UpdateRoute(ctx context.Context, actor audit.Actor, tenantID, routeID string, upd *models.PushRoute) (*models.PushRoute, error) {
	route, err := r.routes.Get(ctx, tenantID, routeID)
	if err == nil {
		route.Name = upd.Name
		route.Conditions = upd.Conditions
		route.TargetGroups = upd.TargetGroups
		route.Priority = upd.Priority
		route.Enabled = upd.Enabled
		if err = r.validateRoute(ctx, route); err == nil {
			err = r.routes.Save(ctx, route)
		}
	}
	if route == nil {
		route = &models.PushRoute{ID: routeID, TenantID: tenantID}
	}
	r.recordRoute(ctx, actor, audit.ActionRouteUpdate, route, err)
	if err != nil {
		return nil, err
	}
	return route, nil
}

// DeleteRoute 删除推送路由
func (r *Registry) DeleteRoute(ctx context.Context, actor audit.Actor, tenantID, routeID string) error {
	err := r.routes.Delete(ctx, tenantID, routeID)
	r.recordRoute(ctx, actor, audit.ActionRouteDelete, &models.PushRoute{ID: routeID, TenantID: tenantID}, err)
	return err
}

// GetRoute 查询路由
func (r *Registry) GetRoute(ctx context.Context, tenantID, routeID string) (*models.PushRoute, error) {
	return r.routes.Get(ctx, tenantID, routeID)
}

// ListRoutes 查询租户路由
func (r *Registry) ListRoutes(ctx context.Context, tenantID string) ([]models.PushRoute, error) {
	return r.routes.List(ctx, tenantID)
}

func (r *Registry) validateRoute(ctx context.Context, route *models.PushRoute) error {
	if err := utils.ValidateStruct(route); err != nil {
		return err
	}
	for _, w := range route.Conditions.TimeWindows {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 {
			return fmt.Errorf("时间窗口小时数超出范围: %d-%d", w.StartHour, w.EndHour)
		}
	}
	for _, pattern := range route.Conditions.Tables {
		if _, err := utils.CompileGlob(pattern); err != nil {
			return err
		}
	}
	for _, group := range route.TargetGroups {
		for _, id := range group.Targets {
			if _, err := r.targets.Get(ctx, route.TenantID, id); err != nil {
				return fmt.Errorf("目标组引用的目标 %s 无效: %w", id, err)
			}
		}
	}
	return nil
}

func (r *Registry) recordRoute(ctx context.Context, actor audit.Actor, action string, route *models.PushRoute, err error) {
	r.audit.Record(ctx, audit.Entry{
		TenantID:     route.TenantID,
		Action:       action,
		ActorType:    actor.Type,
		ActorID:      actor.ID,
		ResourceType: "push_route",
		ResourceID:   route.ID,
		Details:      map[string]interface{}{"name": route.Name, "priority": route.Priority},
		Success:      err == nil,
		ErrorMessage: audit.ErrString(err),
	})
}
