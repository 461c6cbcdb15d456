package change_detect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapush-service/service/audit"
	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/utils"
	"datapush-service/testutil"
)

const tenant = "tenant-a"

type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *recordingSink) Record(ctx context.Context, e audit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *recordingSink) count(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func change(id, table string, data map[string]interface{}) models.ChangeRecord {
	return models.NewChangeRecord(id, meta.OperationInsert, table, nil, data, time.Now(), nil)
}

func newGate(t *testing.T, hour int) (*PermissionGate, PolicyStore, *recordingSink) {
	t.Helper()
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)
	store := NewGormStore(tdb.DB).Policies()
	sink := &recordingSink{}
	now := func() time.Time { return time.Date(2024, 5, 1, hour, 30, 0, 0, time.UTC) }
	return NewPermissionGate(store, sink, 16, time.Minute, now), store, sink
}

func TestPermissionCheckOrder(t *testing.T) {
	cases := []struct {
		name   string
		policy models.PermissionPolicy
		change models.ChangeRecord
		ip     string
		reason string // 为空表示允许
	}{
		{
			name:   "禁止表优先于允许表",
			policy: models.PermissionPolicy{DeniedTables: []string{"secret_*"}, AllowedTables: []string{"secret_keys"}},
			change: change("1", "secret_keys", nil),
			reason: "表 secret_keys 在禁止推送列表中",
		},
		{
			name:   "不在允许表中",
			policy: models.PermissionPolicy{AllowedTables: []string{"orders", "order_*"}},
			change: change("1", "users", nil),
			reason: "表 users 不在允许推送列表中",
		},
		{
			name:   "允许表通配",
			policy: models.PermissionPolicy{AllowedTables: []string{"*"}},
			change: change("1", "users", nil),
		},
		{
			name:   "允许表 glob 匹配",
			policy: models.PermissionPolicy{AllowedTables: []string{"order_*"}},
			change: change("1", "order_items", nil),
		},
		{
			name:   "禁止字段",
			policy: models.PermissionPolicy{DeniedFields: []string{"password"}},
			change: change("1", "users", map[string]interface{}{"id": 1, "password": "x"}),
			reason: "字段 password 禁止推送",
		},
		{
			name:   "禁止字段 glob 匹配",
			policy: models.PermissionPolicy{DeniedFields: []string{"*_token"}},
			change: change("1", "users", map[string]interface{}{"api_token": "x"}),
			reason: "字段 api_token 禁止推送",
		},
		{
			name:   "非法模式只按字面量匹配",
			policy: models.PermissionPolicy{AllowedTables: []string{"[orders"}},
			change: change("1", "orders", nil),
			reason: "表 orders 不在允许推送列表中",
		},
		{
			name:   "字段检查先于 IP 检查",
			policy: models.PermissionPolicy{DeniedFields: []string{"ssn"}, AllowedIPs: []string{"10.0.0.1"}},
			change: change("1", "users", map[string]interface{}{"ssn": "x"}),
			ip:     "192.168.1.1",
			reason: "字段 ssn 禁止推送",
		},
		{
			name:   "IP 不在允许列表",
			policy: models.PermissionPolicy{AllowedIPs: []string{"10.0.0.1"}},
			change: change("1", "users", nil),
			ip:     "10.0.0.2",
			reason: "调用方 IP \"10.0.0.2\" 不在允许列表中",
		},
		{
			name:   "IP 命中网段",
			policy: models.PermissionPolicy{AllowedIPs: []string{"10.0.0.0/24"}},
			change: change("1", "users", nil),
			ip:     "10.0.0.77",
		},
		{
			name:   "缺少调用方 IP",
			policy: models.PermissionPolicy{AllowedIPs: []string{"10.0.0.0/24"}},
			change: change("1", "users", nil),
			reason: "不在允许列表中",
		},
		{
			name:   "时段不允许",
			policy: models.PermissionPolicy{AllowedHours: []int{1, 2, 3}},
			change: change("1", "users", nil),
			reason: "当前时段 14 点不允许推送",
		},
		{
			name:   "时段允许",
			policy: models.PermissionPolicy{AllowedHours: []int{13, 14}},
			change: change("1", "users", nil),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gate, store, _ := newGate(t, 14)
			p := tc.policy
			p.TenantID, p.Identity, p.TargetID = tenant, "alice", "target-1"
			require.NoError(t, store.Upsert(context.Background(), &p))

			res, err := gate.ValidatePushPermissions(context.Background(), Identity{ID: "alice", IP: tc.ip}, tenant,
				[]models.ChangeRecord{tc.change}, "target-1")
			require.NoError(t, err)
			if tc.reason == "" {
				assert.Len(t, res.Allowed, 1)
				assert.Empty(t, res.Denied)
				return
			}
			assert.Empty(t, res.Allowed)
			require.Len(t, res.Denied, 1)
			assert.Contains(t, res.Denied[0].Reason, tc.reason)
		})
	}
}

func TestPermissionMixedBatch(t *testing.T) {
	gate, store, sink := newGate(t, 9)
	require.NoError(t, store.Upsert(context.Background(), &models.PermissionPolicy{
		TenantID: tenant, Identity: "alice", TargetID: "*", DeniedTables: []string{"audit_log"},
	}))

	changes := append(testutil.CreateTestChanges("orders", 8), testutil.CreateTestChanges("audit_log", 2)...)
	res, err := gate.ValidatePushPermissions(context.Background(), Identity{ID: "alice"}, tenant, changes, "target-9")
	require.NoError(t, err)
	assert.Len(t, res.Allowed, 8)
	require.Len(t, res.Denied, 2)
	for _, reason := range res.Reasons() {
		assert.NotEmpty(t, reason)
	}
	assert.Equal(t, 1, sink.count(audit.ActionPermissionDenied))
}

func TestPermissionWithoutPolicy(t *testing.T) {
	gate, _, sink := newGate(t, 9)
	changes := testutil.CreateTestChanges("orders", 3)
	res, err := gate.ValidatePushPermissions(context.Background(), Identity{ID: "bob"}, tenant, changes, "target-1")
	require.NoError(t, err)
	assert.Len(t, res.Allowed, 3)
	assert.Zero(t, sink.count(audit.ActionPermissionDenied))
}

func TestPolicyCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	gate, store, sink := newGate(t, 9)
	policy := &models.PermissionPolicy{TenantID: tenant, Identity: "alice", TargetID: "*", DeniedTables: []string{"orders"}}
	require.NoError(t, store.Upsert(ctx, policy))

	changes := testutil.CreateTestChanges("orders", 1)
	res, err := gate.ValidatePushPermissions(ctx, Identity{ID: "alice"}, tenant, changes, "target-1")
	require.NoError(t, err)
	assert.Len(t, res.Denied, 1)

	// 绕过闸门直接修改存储，缓存仍然生效
	require.NoError(t, store.Upsert(ctx, &models.PermissionPolicy{TenantID: tenant, Identity: "alice", TargetID: "*"}))
	res, err = gate.ValidatePushPermissions(ctx, Identity{ID: "alice"}, tenant, changes, "target-1")
	require.NoError(t, err)
	assert.Len(t, res.Denied, 1)

	gate.InvalidatePolicy(ctx, audit.SystemActor(), tenant, "alice", "*")
	res, err = gate.ValidatePushPermissions(ctx, Identity{ID: "alice"}, tenant, changes, "target-1")
	require.NoError(t, err)
	assert.Len(t, res.Allowed, 1)
	assert.Equal(t, 1, sink.count(audit.ActionPolicyInvalidated))

	// 通过闸门保存会自动失效
	require.NoError(t, gate.SavePolicy(ctx, audit.UserActor("admin"), &models.PermissionPolicy{
		TenantID: tenant, Identity: "alice", TargetID: "target-1", DeniedTables: []string{"orders"},
	}))
	res, err = gate.ValidatePushPermissions(ctx, Identity{ID: "alice"}, tenant, changes, "target-1")
	require.NoError(t, err)
	assert.Len(t, res.Denied, 1)

	require.NoError(t, gate.DeletePolicy(ctx, audit.UserActor("admin"), tenant, "alice", "target-1"))
	res, err = gate.ValidatePushPermissions(ctx, Identity{ID: "alice"}, tenant, changes, "target-1")
	require.NoError(t, err)
	assert.Len(t, res.Allowed, 1)
}

func TestSavePolicyValidation(t *testing.T) {
	gate, _, _ := newGate(t, 9)
	cases := []struct {
		name   string
		policy models.PermissionPolicy
	}{
		{name: "缺少身份", policy: models.PermissionPolicy{TenantID: tenant}},
		{name: "非法网段", policy: models.PermissionPolicy{TenantID: tenant, Identity: "a", AllowedIPs: []string{"10.0.0.0/99"}}},
		{name: "非法地址", policy: models.PermissionPolicy{TenantID: tenant, Identity: "a", AllowedIPs: []string{"not-an-ip"}}},
		{name: "非法小时", policy: models.PermissionPolicy{TenantID: tenant, Identity: "a", AllowedHours: []int{24}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.policy
			err := gate.SavePolicy(context.Background(), audit.SystemActor(), &p)
			var verr *utils.ValidationError
			assert.True(t, errors.As(err, &verr), "期望校验错误，实际: %v", err)
		})
	}
}
