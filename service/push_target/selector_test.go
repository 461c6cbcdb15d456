package push_target

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapush-service/service/audit"
	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/testutil"
)

func TestMatchRoute(t *testing.T) {
	at := func(hour int) time.Time { return time.Date(2024, 5, 1, hour, 30, 0, 0, time.UTC) }
	pc := PushContext{Tables: []string{"order_items", "orders"}, Operations: []string{"INSERT"}, DataSize: 100, Now: at(10)}

	tests := []struct {
		name string
		cond models.RouteConditions
		ctx  PushContext
		want bool
	}{
		{"空条件匹配全部", models.RouteConditions{}, pc, true},
		{"表名glob全部命中", models.RouteConditions{Tables: []string{"order*"}}, pc, true},
		{"存在未命中的表", models.RouteConditions{Tables: []string{"orders"}}, pc, false},
		{"操作大小写不敏感", models.RouteConditions{Operations: []string{"insert", "update"}}, pc, true},
		{"操作不允许", models.RouteConditions{Operations: []string{"DELETE"}}, pc, false},
		{"超过数据大小", models.RouteConditions{MaxDataSize: 99}, pc, false},
		{"时间窗口内", models.RouteConditions{TimeWindows: []models.HourWindow{{StartHour: 9, EndHour: 18}}}, pc, true},
		{"跨零点窗口外", models.RouteConditions{TimeWindows: []models.HourWindow{{StartHour: 22, EndHour: 6}}}, pc, false},
		{"跨零点窗口内", models.RouteConditions{TimeWindows: []models.HourWindow{{StartHour: 22, EndHour: 6}}},
			PushContext{Tables: pc.Tables, Now: at(2)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchRoute(tt.cond, tt.ctx))
		})
	}
}

func TestNewPushContext(t *testing.T) {
	changes := testutil.CreateTestChanges("orders", 2)
	changes = append(changes, models.NewChangeRecord("x", "delete", "users", map[string]interface{}{"id": "x"}, nil, time.Now(), nil))
	pc := NewPushContext(changes, 3, time.Now())
	assert.Equal(t, []string{"orders", "users"}, pc.Tables)
	assert.Equal(t, []string{"DELETE", "INSERT"}, pc.Operations)
	assert.Equal(t, 3, pc.Priority)
	assert.Greater(t, pc.DataSize, int64(0))
}

func targetsNamed(names ...string) []models.PushTarget {
	out := make([]models.PushTarget, 0, len(names))
	for i, n := range names {
		out = append(out, models.PushTarget{ID: n, Priority: i, Weight: 1})
	}
	return out
}

func ids(targets []models.PushTarget) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.ID)
	}
	return out
}

type staticCounter map[string]int64

func (s staticCounter) ActiveConnections(id string) int64 { return s[id] }

func TestSelectors(t *testing.T) {
	selectors := NewSelectors(staticCounter{"a": 5, "b": 1, "c": 3}, 1)
	targets := targetsNamed("a", "b", "c")

	rr := selectors[meta.StrategyRoundRobin]
	assert.Equal(t, []string{"a", "b", "c"}, ids(rr.Order("g", targets)))
	assert.Equal(t, []string{"b", "c", "a"}, ids(rr.Order("g", targets)))
	assert.Equal(t, []string{"c", "a", "b"}, ids(rr.Order("g", targets)))
	assert.Equal(t, []string{"a", "b", "c"}, ids(rr.Order("other", targets)), "不同目标组独立轮询")

	assert.Equal(t, []string{"c", "b", "a"}, ids(selectors[meta.StrategyPriority].Order("g", targets)))
	assert.Equal(t, []string{"b", "c", "a"}, ids(selectors[meta.StrategyLeastConnections].Order("g", targets)))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(selectors[meta.StrategyRandom].Order("g", targets)))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(selectors[meta.StrategyWeighted].Order("g", targets)))
}

func TestWeightedSelectorFavorsHeavyTarget(t *testing.T) {
	selectors := NewSelectors(staticCounter{}, 7)
	targets := []models.PushTarget{{ID: "heavy", Weight: 90}, {ID: "light", Weight: 10}}

	first := map[string]int{}
	for i := 0; i < 1000; i++ {
		first[selectors[meta.StrategyWeighted].Order("g", targets)[0].ID]++
	}
	assert.Greater(t, first["heavy"], 800)
	assert.Greater(t, first["light"], 0)
}

func TestSelectTargetsByRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createTarget(t, "a", func(p *models.PushTarget) { p.Priority = 5 })
	b := f.createTarget(t, "b", func(p *models.PushTarget) { p.Priority = 1 })
	disabled := f.createTarget(t, "disabled", func(p *models.PushTarget) { p.Enabled = false })

	_, err := f.registry.CreateRoute(ctx, audit.SystemActor(), &models.PushRoute{
		TenantID:   tenant,
		Name:       "orders",
		Priority:   10,
		Enabled:    true,
		Conditions: models.RouteConditions{Tables: []string{"orders"}},
		TargetGroups: models.LoadBalancingGroups{{
			Strategy:        meta.StrategyPriority,
			Targets:         []string{b.ID, a.ID, disabled.ID},
			FailoverEnabled: true,
		}},
	})
	require.NoError(t, err)

	sel, err := f.registry.SelectTargets(ctx, tenant, PushContext{Tables: []string{"orders"}})
	require.NoError(t, err)
	assert.True(t, sel.RouteMatched)
	assert.Equal(t, []string{a.ID, b.ID}, sel.TargetIDs())
	assert.Equal(t, "secret-a", sel.Targets[0].ConnectionConfig["api_key"], "内部选择结果已解密")

	// 熔断打开的目标被跳过
	for i := 0; i < 5; i++ {
		f.registry.RecordDeliveryOutcome(ctx, a.ID, false, errors.New("失败"))
	}
	sel, err = f.registry.SelectTargets(ctx, tenant, PushContext{Tables: []string{"orders"}})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, sel.TargetIDs())
}

func TestSelectTargetsGroupCircuitBreaker(t *testing.T) {
	cases := []struct {
		name    string
		enabled bool
		elapsed time.Duration
		want    []string
	}{
		{name: "组阈值触发后跳过目标", enabled: true, want: []string{"b"}},
		{name: "组熔断退避到期后恢复", enabled: true, elapsed: 30 * time.Second, want: []string{"a", "b"}},
		{name: "未开启组熔断时只看目标熔断", enabled: false, want: []string{"a", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			a := f.createTarget(t, "a", func(p *models.PushTarget) { p.Priority = 5 })
			b := f.createTarget(t, "b", func(p *models.PushTarget) { p.Priority = 1 })
			names := map[string]string{a.ID: "a", b.ID: "b"}

			_, err := f.registry.CreateRoute(ctx, audit.SystemActor(), &models.PushRoute{
				TenantID: tenant,
				Enabled:  true,
				TargetGroups: models.LoadBalancingGroups{{
					Strategy:                meta.StrategyPriority,
					Targets:                 []string{a.ID, b.ID},
					FailoverEnabled:         true,
					CircuitBreakerEnabled:   tc.enabled,
					CircuitBreakerThreshold: 2,
				}},
			})
			require.NoError(t, err)

			for i := 0; i < 2; i++ {
				f.registry.RecordDeliveryOutcome(ctx, a.ID, false, errors.New("失败"))
			}
			f.clock.Advance(tc.elapsed)

			sel, err := f.registry.SelectTargets(ctx, tenant, PushContext{Tables: []string{"orders"}})
			require.NoError(t, err)
			var got []string
			for _, id := range sel.TargetIDs() {
				got = append(got, names[id])
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSelectTargetsWithoutFailoverTakesHead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createTarget(t, "a", func(p *models.PushTarget) { p.Priority = 5 })
	b := f.createTarget(t, "b", func(p *models.PushTarget) { p.Priority = 1 })
	c := f.createTarget(t, "c")
	require.NoError(t, f.db.Model(&models.PushTarget{}).Where("id = ?", c.ID).UpdateColumn("health_status", meta.HealthStatusUnhealthy).Error)

	_, err := f.registry.CreateRoute(ctx, audit.SystemActor(), &models.PushRoute{
		TenantID: tenant,
		Priority: 1,
		Enabled:  true,
		TargetGroups: models.LoadBalancingGroups{
			{Strategy: meta.StrategyPriority, Targets: []string{a.ID, b.ID}},
			{Strategy: meta.StrategyRoundRobin, Targets: []string{c.ID, b.ID}, HealthCheckEnabled: true, FailoverEnabled: true},
		},
	})
	require.NoError(t, err)

	sel, err := f.registry.SelectTargets(ctx, tenant, PushContext{Tables: []string{"orders"}})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, sel.TargetIDs())
}

func TestSelectTargetsFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	low := f.createTarget(t, "low", func(p *models.PushTarget) { p.Priority = 1 })
	high := f.createTarget(t, "high", func(p *models.PushTarget) { p.Priority = 9 })

	_, err := f.registry.CreateRoute(ctx, audit.SystemActor(), &models.PushRoute{
		TenantID:     tenant,
		Enabled:      true,
		Conditions:   models.RouteConditions{Tables: []string{"users"}},
		TargetGroups: models.LoadBalancingGroups{{Strategy: meta.StrategyRandom, Targets: []string{low.ID}}},
	})
	require.NoError(t, err)

	sel, err := f.registry.SelectTargets(ctx, tenant, PushContext{Tables: []string{"orders"}})
	require.NoError(t, err)
	assert.False(t, sel.RouteMatched)
	assert.Equal(t, []string{high.ID}, sel.TargetIDs())

	// 所有目标均不可用时返回空
	for _, id := range []string{low.ID, high.ID} {
		for i := 0; i < 5; i++ {
			f.registry.RecordDeliveryOutcome(ctx, id, false, errors.New("失败"))
		}
	}
	sel, err = f.registry.SelectTargets(ctx, tenant, PushContext{Tables: []string{"orders"}})
	require.NoError(t, err)
	assert.Empty(t, sel.Targets)
}

func TestCreateRouteValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createTarget(t, "a")

	tests := []struct {
		name  string
		route *models.PushRoute
	}{
		{"缺少目标组", &models.PushRoute{TenantID: tenant}},
		{"非法策略", &models.PushRoute{TenantID: tenant, TargetGroups: models.LoadBalancingGroups{{Strategy: "sticky", Targets: []string{a.ID}}}}},
		{"引用不存在的目标", &models.PushRoute{TenantID: tenant, TargetGroups: models.LoadBalancingGroups{{Strategy: meta.StrategyRandom, Targets: []string{"missing"}}}}},
		{"非法时间窗口", &models.PushRoute{
			TenantID:     tenant,
			Conditions:   models.RouteConditions{TimeWindows: []models.HourWindow{{StartHour: 25, EndHour: 1}}},
			TargetGroups: models.LoadBalancingGroups{{Strategy: meta.StrategyRandom, Targets: []string{a.ID}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.registry.CreateRoute(ctx, audit.SystemActor(), tt.route)
			assert.Error(t, err)
		})
	}
}

func TestRouteLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createTarget(t, "a")

	route, err := f.registry.CreateRoute(ctx, audit.SystemActor(), &models.PushRoute{
		TenantID:     tenant,
		Name:         "r1",
		Enabled:      true,
		TargetGroups: models.LoadBalancingGroups{{Strategy: meta.StrategyRandom, Targets: []string{a.ID}}},
	})
	require.NoError(t, err)

	updated, err := f.registry.UpdateRoute(ctx, audit.SystemActor(), tenant, route.ID, &models.PushRoute{
		Name:         "r1-v2",
		Priority:     4,
		TargetGroups: route.TargetGroups,
	})
	require.NoError(t, err)
	assert.Equal(t, "r1-v2", updated.Name)
	assert.False(t, updated.Enabled)

	routes, err := f.registry.ListRoutes(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, 4, routes[0].Priority)

	require.NoError(t, f.registry.DeleteRoute(ctx, audit.SystemActor(), tenant, route.ID))
	_, err = f.registry.GetRoute(ctx, tenant, route.ID)
	assert.ErrorIs(t, err, ErrRouteNotFound)
}
