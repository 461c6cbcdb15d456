package push_pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"datapush-service/service/audit"
	"datapush-service/service/change_detect"
	"datapush-service/service/delivery"
	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/push_router"
	"datapush-service/service/push_target"
	"datapush-service/service/verification"
	"datapush-service/testutil"
)

const tenant = "tenant-a"

// staticDetector 每次检测返回固定变更
type staticDetector struct {
	changes []models.ChangeRecord
}

func (d *staticDetector) Category() string { return "static" }

func (d *staticDetector) Detect(ctx context.Context, source *models.ChangeSource, since time.Time) ([]models.ChangeRecord, error) {
	return d.changes, nil
}

type pipelineFixture struct {
	db       *gorm.DB
	fake     *testutil.FakeDeliverer
	source   *staticDetector
	detector *change_detect.ChangeDetector
	gate     *change_detect.PermissionGate
	verifier *verification.Verifier
	pipeline *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)
	db := tdb.DB
	sink := audit.NewGormSink(db)

	fake := testutil.NewFakeDeliverer(meta.TargetTypeAPI)
	deliverers := delivery.NewRegistry()
	deliverers.Register(fake)
	registry := push_target.NewRegistry(push_target.Options{
		Targets:    push_target.NewGormTargetStore(db),
		Routes:     push_target.NewGormRouteStore(db),
		Deliverers: deliverers,
		Seed:       7,
	})
	t.Cleanup(registry.Close)

	router := push_router.NewRouter(push_router.Options{
		Targets:  registry,
		Results:  push_router.NewGormResultStore(db),
		Metrics:  push_router.NewMemoryMetricsStore(),
		Executor: []push_router.ExecutorOption{push_router.WithSleeper(func(context.Context, time.Duration) error { return nil })},
	})

	cd := change_detect.NewGormStore(db)
	static := &staticDetector{}
	detector := change_detect.NewChangeDetector(change_detect.DetectorOptions{
		Sources:     cd.Sources(),
		Checkpoints: cd.Checkpoints(),
		Registry:    change_detect.NewRegistry(static),
	})
	gate := change_detect.NewPermissionGate(cd.Policies(), sink, 16, time.Minute, nil)

	vs := verification.NewGormStore(db)
	verifier := verification.NewVerifier(verification.Options{Rules: vs.Rules(), Results: vs.Results(), Reader: registry})
	p := New(Options{
		Detector:  detector,
		Gate:      gate,
		Router:    router,
		Verifier:  verifier,
		Confirmer: verification.NewConfirmer(vs.Confirmations(), sink, time.Hour, nil),
		Rollbacks: verification.NewRollbackManager(vs.Rollbacks(), vs.Confirmations(), registry, sink, nil),
		Audit:     sink,
	})
	return &pipelineFixture{db: db, fake: fake, source: static, detector: detector, gate: gate, verifier: verifier, pipeline: p}
}

func (f *pipelineFixture) target(t *testing.T, name string, weight int) *models.PushTarget {
	t.Helper()
	return testutil.CreateTestTarget(f.db, tenant, name, meta.TargetTypeAPI, func(pt *models.PushTarget) {
		pt.Weight = weight
	})
}

func (f *pipelineFixture) rule(t *testing.T, ruleID, ruleType string) {
	t.Helper()
	_, err := f.verifier.CreateRule(context.Background(), &models.VerificationRule{
		TenantID: tenant,
		RuleID:   ruleID,
		RuleType: ruleType,
		Config:   models.JSONB{},
		Enabled:  true,
	})
	require.NoError(t, err)
}

func (f *pipelineFixture) auditCount(t *testing.T, action string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.AuditLog{}).Where("action = ?", action).Count(&n).Error)
	return n
}

func TestPipelineEndToEnd(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	a := f.target(t, "a", 70)
	b := f.target(t, "b", 30)
	testutil.CreateTestRoute(f.db, tenant, "weighted", 1, models.RouteConditions{Tables: []string{"orders"}},
		models.LoadBalancingStrategy{Strategy: meta.StrategyWeighted, Targets: []string{a.ID, b.ID}, FailoverEnabled: true})
	f.rule(t, "record_count", meta.RuleTypeCount)
	require.NoError(t, f.gate.SavePolicy(ctx, audit.SystemActor(), &models.PermissionPolicy{
		TenantID:     tenant,
		Identity:     "svc-a",
		TargetID:     "*",
		DeniedTables: models.JSONBStringArray{"secret_*"},
	}))

	changes := append(testutil.CreateTestChanges("orders", 8), testutil.CreateTestChanges("secret_keys", 2)...)
	res, err := f.pipeline.Run(ctx, &Request{
		TenantID: tenant,
		Changes:  changes,
		Identity: change_detect.Identity{ID: "svc-a"},
	})
	require.NoError(t, err)

	assert.Equal(t, 10, res.Detected)
	require.Len(t, res.Denied, 2)
	for _, d := range res.Denied {
		assert.Equal(t, "secret_keys", d.TableName)
	}

	require.NotNil(t, res.Outcome)
	assert.Equal(t, meta.ExecutionLoadBalanced, res.Outcome.ExecutionStrategy)
	assert.Equal(t, meta.PushStatusSuccess, res.Outcome.Status)
	assert.Equal(t, 8, res.Outcome.RecordsPushed)
	assert.Equal(t, 5, f.fake.DeliveredTo(a.ID))
	assert.Equal(t, 3, f.fake.DeliveredTo(b.ID))

	require.Len(t, res.Verifications, 2)
	for _, v := range res.Verifications {
		assert.Equal(t, "record_count", v.RuleID)
		assert.Equal(t, meta.VerificationSuccess, v.Status)
	}
	require.NotNil(t, res.Confirmation)
	assert.Equal(t, meta.ConfirmationConfirmed, res.Confirmation.Status)
	assert.Empty(t, res.Rollbacks)

	assert.Equal(t, int64(1), f.auditCount(t, audit.ActionPushExecute))
	assert.Equal(t, int64(1), f.auditCount(t, audit.ActionPermissionDenied))
	assert.Equal(t, int64(1), f.auditCount(t, audit.ActionConfirmation))
}

func TestPipelineRejectedRollsBack(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	f.target(t, "only", 1)
	f.rule(t, "checksum", meta.RuleTypeChecksum)

	res, err := f.pipeline.Run(ctx, &Request{
		TenantID:     tenant,
		Changes:      testutil.CreateTestChanges("orders", 4),
		AutoRollback: true,
	})
	require.NoError(t, err)

	require.NotNil(t, res.Confirmation)
	assert.Equal(t, meta.ConfirmationRejected, res.Confirmation.Status)
	assert.Contains(t, res.Confirmation.RejectionReason, "checksum")

	require.Len(t, res.Rollbacks, 1)
	plan := res.Rollbacks[0]
	assert.Equal(t, meta.RollbackCompensating, plan.Strategy)
	assert.Equal(t, meta.RollbackStatusCompleted, plan.Status)
	assert.Len(t, plan.Operations, 4)

	applied := f.fake.Applied()
	require.Len(t, applied, 4)
	for _, op := range applied {
		assert.Equal(t, meta.OperationDelete, op.Operation)
	}
	assert.Equal(t, "orders-4", applied[0].RecordID)
}

func TestPipelineManualConfirmation(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	f.target(t, "only", 1)
	f.rule(t, "record_count", meta.RuleTypeCount)

	req := &Request{
		TenantID:     tenant,
		Changes:      testutil.CreateTestChanges("orders", 3),
		Confirmation: &verification.ConfirmationRequest{ConfirmationType: meta.ConfirmationManual},
	}
	res, err := f.pipeline.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, meta.ConfirmationPending, res.Confirmation.Status)

	req.Changes = testutil.CreateTestChanges("orders", 3)
	req.ConfirmedBy = "alice"
	res, err = f.pipeline.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, meta.ConfirmationConfirmed, res.Confirmation.Status)
	assert.Equal(t, "alice", res.Confirmation.ConfirmedBy)
}

func TestPipelineNoTargets(t *testing.T) {
	f := newPipelineFixture(t)

	res, err := f.pipeline.Run(context.Background(), &Request{
		TenantID: tenant,
		Changes:  testutil.CreateTestChanges("orders", 2),
	})
	assert.ErrorIs(t, err, ErrPushFailed)
	assert.ErrorIs(t, err, push_target.ErrNoTargetsAvailable)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, meta.PushStatusFailed, res.Outcome.Status)
	assert.Equal(t, meta.ExecutionNone, res.Outcome.ExecutionStrategy)
	assert.Equal(t, 2, res.Outcome.RecordsFailed)
	assert.Nil(t, res.Confirmation)
	assert.Equal(t, int64(1), f.auditCount(t, audit.ActionPushExecute))
}

func TestPipelineAllDenied(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	f.target(t, "only", 1)
	require.NoError(t, f.gate.SavePolicy(ctx, audit.SystemActor(), &models.PermissionPolicy{
		TenantID:      tenant,
		Identity:      "svc-a",
		TargetID:      "*",
		AllowedTables: models.JSONBStringArray{"users"},
	}))

	res, err := f.pipeline.Run(ctx, &Request{
		TenantID: tenant,
		Changes:  testutil.CreateTestChanges("orders", 3),
		Identity: change_detect.Identity{ID: "svc-a"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Denied, 3)
	assert.Nil(t, res.Outcome)
	assert.Empty(t, res.PushID)
	assert.Zero(t, f.fake.Attempts())
}

func TestPipelineFromSource(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	f.target(t, "only", 1)
	f.source.changes = testutil.CreateTestChanges("orders", 5)
	source, err := f.detector.CreateSource(ctx, &models.ChangeSource{
		TenantID: tenant,
		Name:     "orders-db",
		Category: "static",
		Enabled:  true,
	})
	require.NoError(t, err)

	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	res, err := f.pipeline.Run(ctx, &Request{TenantID: tenant, SourceID: source.ID, Since: &since})
	require.NoError(t, err)

	require.NotNil(t, res.Execution)
	assert.Equal(t, meta.ExecutionStatusSuccess, res.Execution.Status)
	assert.Equal(t, 5, res.Execution.RecordsDetected)
	assert.Equal(t, 5, res.Execution.RecordsAllowed)
	assert.Equal(t, res.PushID, res.Execution.PushID)
	assert.Equal(t, 5, res.Outcome.RecordsPushed)

	execs, err := f.detector.ListExecutions(ctx, tenant, source.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, res.PushID, execs[0].PushID)
}

func TestReverifyAndPlanRollback(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	target := f.target(t, "only", 1)
	f.rule(t, "record_count", meta.RuleTypeCount)

	res, err := f.pipeline.Run(ctx, &Request{TenantID: tenant, Changes: testutil.CreateTestChanges("orders", 3)})
	require.NoError(t, err)
	require.Len(t, res.Outcome.Results, 1)

	again, err := f.pipeline.Reverify(ctx, tenant, res.PushID, res.Outcome.Results, nil)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, meta.VerificationSuccess, again[0].Status)

	_, err = f.pipeline.Reverify(ctx, "tenant-b", res.PushID, res.Outcome.Results, nil)
	assert.ErrorIs(t, err, ErrPushNotFound)
	_, err = f.pipeline.Reverify(ctx, tenant, "unknown", nil, nil)
	assert.ErrorIs(t, err, ErrPushNotFound)

	// 已确认的推送不允许回滚
	result := res.Outcome.Results[0]
	assert.Equal(t, target.ID, result.TargetID)
	_, err = f.pipeline.PlanRollback(ctx, audit.UserActor("alice"), tenant, &result, meta.RollbackCompensating)
	assert.ErrorIs(t, err, verification.ErrRollbackNotAllowed)
}

func (f *pipelineFixture) staticSource(t *testing.T, n int) *models.ChangeSource {
	t.Helper()
	f.source.changes = testutil.CreateTestChanges("orders", n)
	source, err := f.detector.CreateSource(context.Background(), &models.ChangeSource{
		TenantID: tenant,
		Name:     "orders-db",
		Category: "static",
		Enabled:  true,
	})
	require.NoError(t, err)
	return source
}

func (f *pipelineFixture) lastSuccess(t *testing.T, sourceID string) *time.Time {
	t.Helper()
	last, err := change_detect.NewGormStore(f.db).Checkpoints().LastSuccess(context.Background(), tenant, sourceID)
	require.NoError(t, err)
	return last
}

func TestPipelineUndeliveredChangesKeepCheckpoint(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *pipelineFixture)
		wantErr []error
	}{
		{
			name:    "没有可用目标",
			setup:   func(f *pipelineFixture) {},
			wantErr: []error{ErrPushFailed, push_target.ErrNoTargetsAvailable},
		},
		{
			name: "全部投递失败",
			setup: func(f *pipelineFixture) {
				target := f.target(t, "down", 1)
				f.fake.FailTimes(target.ID, -1)
			},
			wantErr: []error{ErrPushFailed},
		},
		{
			name: "确认被拒绝且未回滚",
			setup: func(f *pipelineFixture) {
				f.target(t, "only", 1)
				f.rule(t, "checksum", meta.RuleTypeChecksum)
			},
			wantErr: []error{ErrPushRejected},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t)
			ctx := context.Background()
			tt.setup(f)
			source := f.staticSource(t, 3)

			res, err := f.pipeline.Run(ctx, &Request{TenantID: tenant, SourceID: source.ID})
			for _, want := range tt.wantErr {
				assert.ErrorIs(t, err, want)
			}
			require.NotNil(t, res.Execution)
			assert.Equal(t, meta.ExecutionStatusFailed, res.Execution.Status)
			assert.NotEmpty(t, res.Execution.ErrorMessage)
			assert.Nil(t, f.lastSuccess(t, source.ID))
		})
	}
}

func TestPipelineRecoveredDeliveryAdvancesCheckpoint(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	target := f.target(t, "flaky", 1)
	source := f.staticSource(t, 3)

	f.fake.FailTimes(target.ID, -1)
	_, err := f.pipeline.Run(ctx, &Request{TenantID: tenant, SourceID: source.ID})
	require.ErrorIs(t, err, ErrPushFailed)
	assert.Nil(t, f.lastSuccess(t, source.ID))

	f.fake.FailTimes(target.ID, 0)
	res, err := f.pipeline.Run(ctx, &Request{TenantID: tenant, SourceID: source.ID})
	require.NoError(t, err)
	assert.Equal(t, meta.ExecutionStatusSuccess, res.Execution.Status)
	assert.Equal(t, 3, res.Outcome.RecordsPushed)
	assert.NotNil(t, f.lastSuccess(t, source.ID))

	execs, err := f.detector.ListExecutions(ctx, tenant, source.ID, 10)
	require.NoError(t, err)
	assert.Len(t, execs, 2)
}

func TestPipelineRejectedWithRollbackAdvancesCheckpoint(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	f.target(t, "only", 1)
	f.rule(t, "checksum", meta.RuleTypeChecksum)
	source := f.staticSource(t, 2)

	res, err := f.pipeline.Run(ctx, &Request{TenantID: tenant, SourceID: source.ID, AutoRollback: true})
	require.NoError(t, err)
	assert.Equal(t, meta.ConfirmationRejected, res.Confirmation.Status)
	require.Len(t, res.Rollbacks, 1)
	assert.Equal(t, meta.RollbackStatusCompleted, res.Rollbacks[0].Status)
	assert.NotNil(t, f.lastSuccess(t, source.ID))
}
