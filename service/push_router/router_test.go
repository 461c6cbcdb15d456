package push_router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"datapush-service/service/delivery"
	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/push_target"
	"datapush-service/testutil"
)

const tenant = "tenant-a"

type routerFixture struct {
	db       *gorm.DB
	registry *push_target.Registry
	router   *Router
	fake     *testutil.FakeDeliverer
	metrics  *MemoryMetricsStore
	results  *GormResultStore
}

func newRouterFixture(t *testing.T, cfg Config) *routerFixture {
	t.Helper()
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)

	fake := testutil.NewFakeDeliverer(meta.TargetTypeAPI)
	deliverers := delivery.NewRegistry()
	deliverers.Register(fake)

	registry := push_target.NewRegistry(push_target.Options{
		Targets:    push_target.NewGormTargetStore(tdb.DB),
		Routes:     push_target.NewGormRouteStore(tdb.DB),
		Deliverers: deliverers,
		Seed:       7,
	})
	t.Cleanup(registry.Close)

	metrics := NewMemoryMetricsStore()
	results := NewGormResultStore(tdb.DB)
	router := NewRouter(Options{
		Targets:  registry,
		Results:  results,
		Metrics:  metrics,
		Config:   cfg,
		Executor: []ExecutorOption{WithSleeper((&sleepRecorder{}).Sleep)},
	})
	return &routerFixture{db: tdb.DB, registry: registry, router: router, fake: fake, metrics: metrics, results: results}
}

func (f *routerFixture) target(name string, priority, weight int, mutate ...func(*models.PushTarget)) *models.PushTarget {
	opts := append([]func(*models.PushTarget){func(t *models.PushTarget) {
		t.Priority = priority
		t.Weight = weight
	}}, mutate...)
	return testutil.CreateTestTarget(f.db, tenant, name, meta.TargetTypeAPI, opts...)
}

func noRetry(t *models.PushTarget) {
	t.RetryConfig = models.JSONB{"max_retries": 0}
}

func group(strategy string, ids ...string) models.LoadBalancingStrategy {
	return models.LoadBalancingStrategy{Strategy: strategy, Targets: ids, FailoverEnabled: true}
}

func TestSplitByWeight(t *testing.T) {
	cases := []struct {
		name    string
		weights []int
		total   int
		want    []int
	}{
		{name: "权重1:1:2", weights: []int{1, 1, 2}, total: 40, want: []int{10, 10, 20}},
		{name: "权重70:30", weights: []int{70, 30}, total: 8, want: []int{5, 3}},
		{name: "最后目标吸收余数", weights: []int{1, 1, 1}, total: 10, want: []int{3, 3, 4}},
		{name: "未配置权重按1处理", weights: []int{0, 0}, total: 5, want: []int{2, 3}},
		{name: "变更少于目标数", weights: []int{1, 1, 1}, total: 1, want: []int{0, 0, 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			targets := make([]models.PushTarget, len(tc.weights))
			for i, w := range tc.weights {
				targets[i] = models.PushTarget{Weight: w}
			}
			parts := SplitByWeight(testutil.CreateTestChanges("orders", tc.total), targets)
			got := make([]int, len(parts))
			sum := 0
			for i, p := range parts {
				got[i] = len(p)
				sum += len(p)
			}
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.total, sum)
		})
	}
	assert.Nil(t, SplitByWeight(testutil.CreateTestChanges("orders", 3), nil))
}

func TestChooseStrategy(t *testing.T) {
	r := &Router{cfg: DefaultConfig()}
	cases := []struct {
		name     string
		targets  int
		priority int
		size     int64
		want     string
	}{
		{name: "无目标", targets: 0, priority: 9, want: meta.ExecutionNone},
		{name: "单目标", targets: 1, priority: 9, size: 20 << 20, want: meta.ExecutionSingle},
		{name: "高优先级并行", targets: 3, priority: 6, size: 20 << 20, want: meta.ExecutionParallel},
		{name: "优先级等于阈值不并行", targets: 3, priority: 5, want: meta.ExecutionLoadBalanced},
		{name: "大报文顺序", targets: 2, priority: 1, size: 10<<20 + 1, want: meta.ExecutionSequential},
		{name: "默认负载均衡", targets: 2, priority: 1, size: 1024, want: meta.ExecutionLoadBalanced},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.chooseStrategy(tc.targets, tc.priority, tc.size))
		})
	}
}

func TestScoreTarget(t *testing.T) {
	m := TargetMetrics{TotalRequests: 10, SuccessfulRequests: 9, FailedRequests: 1, ErrorRate: 0.1, AverageResponseTimeMs: 200}
	assert.InDelta(t, 46.0, ScoreTarget(3, 50, m, 0), 0.0001)
	assert.InDelta(t, 31.0, ScoreTarget(3, 50, m, 0.5), 0.0001)
	assert.InDelta(t, 20.0, ScoreTarget(0, 0, TargetMetrics{}, 0), 0.0001)
}

func TestRoutePushFiltersAndScores(t *testing.T) {
	f := newRouterFixture(t, Config{})
	ctx := context.Background()

	low := f.target("low", 1, 10)
	high := f.target("high", 5, 10)
	slow := f.target("slow", 9, 10, func(t *models.PushTarget) {
		t.RoutingConfig = models.JSONB{"max_response_time_ms": 100}
	})
	flaky := f.target("flaky", 9, 10, func(t *models.PushTarget) {
		t.RoutingConfig = models.JSONB{"max_error_rate": 0.2}
	})
	small := f.target("small", 9, 10, func(t *models.PushTarget) {
		t.RoutingConfig = models.JSONB{"max_payload_bytes": 10}
	})
	testutil.CreateTestRoute(f.db, tenant, "all", 1, models.RouteConditions{},
		group(meta.StrategyPriority, low.ID, high.ID, slow.ID, flaky.ID, small.ID))

	f.metrics.RecordAttempt(slow.ID, true, 500*time.Millisecond)
	f.metrics.RecordAttempt(flaky.ID, false, time.Millisecond)
	f.metrics.RecordAttempt(flaky.ID, true, time.Millisecond)

	decision, err := f.router.RoutePush(ctx, &PushRequest{TenantID: tenant, Changes: testutil.CreateTestChanges("orders", 2)})
	require.NoError(t, err)

	assert.NotEmpty(t, decision.PushID)
	assert.True(t, decision.RouteMatched)
	assert.False(t, decision.FallbackUsed)
	assert.Equal(t, []string{high.ID, low.ID}, decision.TargetIDs)
	assert.Equal(t, "平均响应时间超过上限", decision.Excluded[slow.ID])
	assert.Equal(t, "错误率超过上限", decision.Excluded[flaky.ID])
	assert.Equal(t, "报文超过目标上限", decision.Excluded[small.ID])
	assert.InDelta(t, 5*10+1+20, decision.Scores[high.ID], 0.0001)
	assert.Equal(t, meta.ExecutionLoadBalanced, decision.ExecutionStrategy)
}

func TestRoutePushRequestRateCapacity(t *testing.T) {
	f := newRouterFixture(t, Config{})
	ctx := context.Background()

	busy := f.target("busy", 5, 1, func(t *models.PushTarget) {
		t.RoutingConfig = models.JSONB{"max_requests_per_minute": 2}
	})
	idle := f.target("idle", 1, 1)
	testutil.CreateTestRoute(f.db, tenant, "all", 1, models.RouteConditions{},
		group(meta.StrategyPriority, busy.ID, idle.ID))

	for i := 0; i < 2; i++ {
		res := f.router.PushWithRetry(ctx, "warmup", busy, testutil.CreateTestChanges("orders", 1))
		require.True(t, res.Succeeded())
	}

	decision, err := f.router.RoutePush(ctx, &PushRequest{TenantID: tenant, Changes: testutil.CreateTestChanges("orders", 1)})
	require.NoError(t, err)
	assert.Equal(t, []string{idle.ID}, decision.TargetIDs)
	assert.Equal(t, "请求速率已达上限", decision.Excluded[busy.ID])
	assert.Equal(t, meta.ExecutionSingle, decision.ExecutionStrategy)
}

func TestRoutePushFallback(t *testing.T) {
	f := newRouterFixture(t, Config{})
	ctx := context.Background()

	var ids []string
	for i := 1; i <= 4; i++ {
		tgt := f.target("t", i, 1, func(t *models.PushTarget) { t.HealthStatus = "unhealthy" })
		ids = append(ids, tgt.ID)
	}

	decision, err := f.router.RoutePush(ctx, &PushRequest{TenantID: tenant, Changes: testutil.CreateTestChanges("orders", 1)})
	require.NoError(t, err)
	assert.True(t, decision.FallbackUsed)
	assert.False(t, decision.RouteMatched)
	assert.Equal(t, []string{ids[3], ids[2], ids[1]}, decision.TargetIDs)

	stats := f.router.GetRoutingStatistics(tenant)
	assert.Equal(t, int64(1), stats.TotalDecisions)
	assert.Equal(t, int64(1), stats.FallbackCount)
	assert.Equal(t, 1.0, stats.FallbackRate)
}

func TestExecuteRoutedPushLoadBalanced(t *testing.T) {
	f := newRouterFixture(t, Config{})
	ctx := context.Background()

	a := f.target("a", 1, 70)
	b := f.target("b", 1, 30)
	route := testutil.CreateTestRoute(f.db, tenant, "weighted", 1, models.RouteConditions{Tables: []string{"orders"}},
		group(meta.StrategyWeighted, a.ID, b.ID))

	req := &PushRequest{TenantID: tenant, Changes: testutil.CreateTestChanges("orders", 8)}
	decision, outcome, err := f.router.RouteAndExecute(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, route.ID, decision.RouteID)
	assert.Equal(t, []string{a.ID, b.ID}, decision.TargetIDs)
	assert.Equal(t, meta.ExecutionLoadBalanced, outcome.ExecutionStrategy)
	assert.Equal(t, meta.PushStatusSuccess, outcome.Status)
	assert.Equal(t, 8, outcome.RecordsPushed)
	assert.Equal(t, 5, f.fake.DeliveredTo(a.ID))
	assert.Equal(t, 3, f.fake.DeliveredTo(b.ID))

	stored, err := f.results.ListByPush(ctx, decision.PushID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, res := range stored {
		assert.Equal(t, route.ID, res.RouteID)
		assert.Equal(t, tenant, res.TenantID)
	}

	latest, err := f.results.Latest(ctx, decision.PushID, b.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 3, latest.RecordsPushed)
}

func TestExecuteRoutedPushParallelPartial(t *testing.T) {
	f := newRouterFixture(t, Config{})
	ctx := context.Background()

	good := f.target("good", 2, 1)
	bad := f.target("bad", 1, 1, noRetry)
	testutil.CreateTestRoute(f.db, tenant, "all", 1, models.RouteConditions{}, group(meta.StrategyPriority, good.ID, bad.ID))
	f.fake.FailTimes(bad.ID, -1)

	changes := testutil.CreateTestChanges("orders", 4)
	_, outcome, err := f.router.RouteAndExecute(ctx, &PushRequest{TenantID: tenant, Changes: changes, Priority: 8})
	require.NoError(t, err)

	assert.Equal(t, meta.ExecutionParallel, outcome.ExecutionStrategy)
	assert.Equal(t, meta.PushStatusPartial, outcome.Status)
	require.Len(t, outcome.Results, 2)
	assert.Equal(t, 4, f.fake.DeliveredTo(good.ID))
	assert.Equal(t, 4, outcome.RecordsPushed)
	assert.Equal(t, 4, outcome.RecordsFailed)
	assert.Contains(t, outcome.ErrorMessage, "模拟投递失败")

	var stored models.PushTarget
	require.NoError(t, f.db.First(&stored, "id = ?", bad.ID).Error)
	assert.Equal(t, 1, stored.ConsecutiveFailures)
}

func TestExecuteRoutedPushSequentialStopsAtFirstSuccess(t *testing.T) {
	f := newRouterFixture(t, Config{LargePayloadBytes: 1})
	ctx := context.Background()

	first := f.target("first", 9, 1, noRetry)
	second := f.target("second", 5, 1)
	third := f.target("third", 1, 1)
	testutil.CreateTestRoute(f.db, tenant, "all", 1, models.RouteConditions{},
		group(meta.StrategyPriority, first.ID, second.ID, third.ID))
	f.fake.FailTimes(first.ID, -1)

	_, outcome, err := f.router.RouteAndExecute(ctx, &PushRequest{TenantID: tenant, Changes: testutil.CreateTestChanges("orders", 3)})
	require.NoError(t, err)

	assert.Equal(t, meta.ExecutionSequential, outcome.ExecutionStrategy)
	assert.Equal(t, meta.PushStatusSuccess, outcome.Status)
	require.Len(t, outcome.Results, 2)
	assert.Equal(t, meta.PushStatusFailed, outcome.Results[0].Status)
	assert.Equal(t, 3, f.fake.DeliveredTo(second.ID))
	assert.Equal(t, 0, f.fake.DeliveredTo(third.ID))
}

func TestExecuteRoutedPushNoTargets(t *testing.T) {
	f := newRouterFixture(t, Config{})
	ctx := context.Background()

	decision, outcome, err := f.router.RouteAndExecute(ctx, &PushRequest{TenantID: tenant, Changes: testutil.CreateTestChanges("orders", 2)})
	require.NoError(t, err)

	assert.Equal(t, meta.ExecutionNone, decision.ExecutionStrategy)
	assert.True(t, decision.FallbackUsed)
	assert.Equal(t, meta.PushStatusFailed, outcome.Status)
	assert.Equal(t, push_target.ErrNoTargetsAvailable.Error(), outcome.ErrorMessage)
	assert.Equal(t, 2, outcome.RecordsFailed)
	assert.Empty(t, outcome.Results)
	assert.Equal(t, 0, f.fake.Attempts())
}

func TestRouterFeedbackOpensCircuit(t *testing.T) {
	f := newRouterFixture(t, Config{})
	ctx := context.Background()

	broken := f.target("broken", 9, 1, func(t *models.PushTarget) {
		t.RetryConfig = models.JSONB{"max_retries": 10}
	})
	backup := f.target("backup", 1, 1)
	testutil.CreateTestRoute(f.db, tenant, "all", 1, models.RouteConditions{},
		group(meta.StrategyPriority, broken.ID, backup.ID))
	f.fake.FailTimes(broken.ID, -1)

	res := f.router.PushWithRetry(ctx, "push-1", broken, testutil.CreateTestChanges("orders", 1))
	assert.Equal(t, meta.PushStatusFailed, res.Status)
	assert.Equal(t, ErrCircuitOpen.Error(), res.ErrorMessage)
	assert.Equal(t, 4, res.RetryCount)
	assert.Equal(t, meta.CircuitStateOpen, f.registry.Breaker(broken.ID).State)

	decision, err := f.router.RoutePush(ctx, &PushRequest{TenantID: tenant, Changes: testutil.CreateTestChanges("orders", 1)})
	require.NoError(t, err)
	assert.Equal(t, []string{backup.ID}, decision.TargetIDs)

	stats := f.router.GetTargetStatistics(broken.ID)
	assert.Equal(t, int64(5), stats.Metrics.TotalRequests)
	assert.Equal(t, 0.0, stats.SuccessRate)
	assert.Equal(t, meta.CircuitStateOpen, stats.Breaker.State)
}

func TestGetRoutingStatistics(t *testing.T) {
	f := newRouterFixture(t, Config{})
	ctx := context.Background()

	a := f.target("a", 1, 1)
	testutil.CreateTestRoute(f.db, tenant, "all", 1, models.RouteConditions{}, group(meta.StrategyRoundRobin, a.ID))

	for i := 0; i < 3; i++ {
		_, _, err := f.router.RouteAndExecute(ctx, &PushRequest{TenantID: tenant, Changes: testutil.CreateTestChanges("orders", 2)})
		require.NoError(t, err)
	}

	stats := f.router.GetRoutingStatistics(tenant)
	assert.Equal(t, int64(3), stats.TotalDecisions)
	assert.Equal(t, int64(3), stats.StrategyCounts[meta.ExecutionSingle])
	assert.Equal(t, int64(3), stats.OutcomeCounts[meta.PushStatusSuccess])
	assert.Equal(t, int64(6), stats.RecordsPushed)
	assert.Equal(t, int64(3), stats.Targets[a.ID].SuccessfulRequests)
	require.NotNil(t, stats.LastDecisionAt)
}

func TestGetRoutingStatisticsPerTenant(t *testing.T) {
	f := newRouterFixture(t, Config{})
	ctx := context.Background()

	a := f.target("a", 1, 1)
	testutil.CreateTestRoute(f.db, tenant, "all", 1, models.RouteConditions{}, group(meta.StrategyRoundRobin, a.ID))
	other := testutil.CreateTestTarget(f.db, "tenant-b", "b", meta.TargetTypeAPI)
	testutil.CreateTestRoute(f.db, "tenant-b", "all", 1, models.RouteConditions{}, group(meta.StrategyRoundRobin, other.ID))

	for i := 0; i < 2; i++ {
		_, _, err := f.router.RouteAndExecute(ctx, &PushRequest{TenantID: tenant, Changes: testutil.CreateTestChanges("orders", 1)})
		require.NoError(t, err)
	}
	_, _, err := f.router.RouteAndExecute(ctx, &PushRequest{TenantID: "tenant-b", Changes: testutil.CreateTestChanges("orders", 5)})
	require.NoError(t, err)

	cases := []struct {
		name      string
		tenantID  string
		decisions int64
		pushed    int64
		targets   []string
	}{
		{name: "租户A只看到自己的推送", tenantID: tenant, decisions: 2, pushed: 2, targets: []string{a.ID}},
		{name: "租户B只看到自己的推送", tenantID: "tenant-b", decisions: 1, pushed: 5, targets: []string{other.ID}},
		{name: "没有推送的租户为空", tenantID: "tenant-c", decisions: 0, pushed: 0, targets: []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stats := f.router.GetRoutingStatistics(tc.tenantID)
			assert.Equal(t, tc.decisions, stats.TotalDecisions)
			assert.Equal(t, tc.pushed, stats.RecordsPushed)
			ids := []string{}
			for id := range stats.Targets {
				ids = append(ids, id)
			}
			assert.ElementsMatch(t, tc.targets, ids)
		})
	}
}
