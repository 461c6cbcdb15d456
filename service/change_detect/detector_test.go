package change_detect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapush-service/service/distributed_lock"
	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/testutil"
)

func TestBuildDiffQuery(t *testing.T) {
	spec := columnSpecFrom(models.JSONB{})
	assert.Equal(t,
		`SELECT * FROM "public"."orders" WHERE ("updated_at" > $1 OR ("deleted_at" IS NOT NULL AND "deleted_at" > $1)) ORDER BY "updated_at" ASC LIMIT 100`,
		buildDiffQuery("public", "orders", spec, 100))

	spec = columnSpecFrom(models.JSONB{"deleted_column": "", "updated_column": "modified"})
	assert.Equal(t,
		`SELECT * FROM "orders" WHERE "modified" > $1 ORDER BY "modified" ASC LIMIT 10`,
		buildDiffQuery("", "orders", spec, 10))
}

func TestBuildPostgresDSN(t *testing.T) {
	dsn, err := buildPostgresDSN(models.JSONB{"host": "db", "port": 5432, "database": "shop", "username": "u", "password": "p"})
	require.NoError(t, err)
	assert.Equal(t, "host=db dbname=shop port=5432 user=u password=p sslmode=disable", dsn)

	_, err = buildPostgresDSN(models.JSONB{"database": "shop"})
	assert.Error(t, err)
}

func TestRowsToChanges(t *testing.T) {
	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	before := since.Add(-time.Hour)
	after := since.Add(time.Hour)
	spec := columnSpecFrom(nil)

	rows := []map[string]interface{}{
		{"id": 1, "created_at": after, "updated_at": after, "deleted_at": nil},
		{"id": 2, "created_at": before, "updated_at": after, "deleted_at": nil},
		{"id": 3, "created_at": before, "updated_at": before, "deleted_at": after.Add(time.Minute)},
	}
	changes := rowsToChanges("orders", rows, spec, since)
	require.Len(t, changes, 3)

	assert.Equal(t, meta.OperationInsert, changes[0].Operation)
	assert.Equal(t, "1", changes[0].RecordID)
	assert.Equal(t, meta.OperationUpdate, changes[1].Operation)
	assert.Equal(t, meta.OperationDelete, changes[2].Operation)
	assert.Nil(t, changes[2].NewData)
	assert.Equal(t, 3, changes[2].OldData["id"])
	assert.Equal(t, after.Add(time.Minute), changes[2].Timestamp)
	for _, c := range changes {
		assert.NotEmpty(t, c.Checksum)
		assert.Equal(t, "orders", c.TableName)
	}
}

func TestHTTPDetector(t *testing.T) {
	since := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	var gotSince, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("changed_after")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{
				"items": []interface{}{
					map[string]interface{}{"code": "A1", "op": "create", "updated_at": "2024-05-01T09:00:00Z", "qty": 3},
					map[string]interface{}{"code": "A2", "op": "delete", "updated_at": "2024-05-01T09:05:00Z"},
					map[string]interface{}{"code": "A3", "qty": 7},
				},
			},
		})
	}))
	defer srv.Close()

	source := &models.ChangeSource{
		Name:             "inventory",
		Category:         meta.SourceCategoryHTTP,
		ConnectionConfig: models.JSONB{"base_url": srv.URL, "token": "abc"},
		ParamsConfig: models.JSONB{
			"path":            "/changes",
			"since_param":     "changed_after",
			"data_path":       "result.items",
			"key_field":       "code",
			"operation_field": "op",
		},
	}
	changes, err := NewHTTPDetector(srv.Client()).Detect(context.Background(), source, since)
	require.NoError(t, err)

	assert.Equal(t, "2024-05-01T08:00:00Z", gotSince)
	assert.Equal(t, "Bearer abc", gotAuth)
	require.Len(t, changes, 3)
	assert.Equal(t, meta.OperationInsert, changes[0].Operation)
	assert.Equal(t, "A1", changes[0].RecordID)
	assert.NotContains(t, changes[0].NewData, "op")
	assert.Equal(t, "inventory", changes[0].TableName)
	assert.Equal(t, meta.OperationDelete, changes[1].Operation)
	assert.Equal(t, "A2", changes[1].OldData["code"])
	assert.Equal(t, meta.OperationUpdate, changes[2].Operation)
	assert.Equal(t, since, changes[2].Timestamp)
}

func TestHTTPDetectorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"items": 1}`))
	}))
	defer srv.Close()

	cases := []struct {
		name string
		path string
	}{
		{name: "非2xx状态码", path: "/broken"},
		{name: "响应不是数组", path: "/object"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			source := &models.ChangeSource{
				ConnectionConfig: models.JSONB{"base_url": srv.URL},
				ParamsConfig:     models.JSONB{"path": tc.path},
			}
			_, err := NewHTTPDetector(srv.Client()).Detect(context.Background(), source, time.Now())
			assert.Error(t, err)
		})
	}
}

func TestFileDetector(t *testing.T) {
	dir := t.TempDir()
	since := time.Now().Add(-time.Hour)
	old := since.Add(-time.Hour)

	write := func(name, content string, mtime time.Time) {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
	write("orders/new.json", `{"id": "o1", "amount": 12}`, time.Now())
	write("orders/rows.csv", "id,name\n1,a\n2,b\n", time.Now())
	write("orders/old.json", `{"id": "o0"}`, old)
	write("notes.txt", "hello", time.Now())

	source := &models.ChangeSource{
		Name:             "drop",
		Category:         meta.SourceCategoryFile,
		ConnectionConfig: models.JSONB{"path": dir},
		ParamsConfig:     models.JSONB{"pattern": "orders/*.{json,csv}", "table": "orders"},
	}
	changes, err := NewFileDetector().Detect(context.Background(), source, since)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	byID := map[string]models.ChangeRecord{}
	for _, c := range changes {
		byID[c.RecordID] = c
		assert.Equal(t, "orders", c.TableName)
	}
	assert.Equal(t, "o1", byID["orders/new.json"].NewData["id"])
	rows, ok := byID["orders/rows.csv"].NewData["rows"].([]interface{})
	require.True(t, ok)
	assert.Len(t, rows, 2)
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, []string{meta.SourceCategoryDatabase, meta.SourceCategoryFile, meta.SourceCategoryHTTP}, r.Categories())
	_, err := r.Get("ftp")
	assert.Error(t, err)
}

// stubDetector 记录每次检测收到的 since
type stubDetector struct {
	mu      sync.Mutex
	sinces  []time.Time
	changes []models.ChangeRecord
	block   chan struct{}
}

func (d *stubDetector) Category() string { return "stub" }

func (d *stubDetector) Detect(ctx context.Context, source *models.ChangeSource, since time.Time) ([]models.ChangeRecord, error) {
	d.mu.Lock()
	d.sinces = append(d.sinces, since)
	d.mu.Unlock()
	if d.block != nil {
		<-d.block
	}
	return d.changes, nil
}

func (d *stubDetector) lastSince() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sinces[len(d.sinces)-1]
}

type detectFixture struct {
	detector *ChangeDetector
	stub     *stubDetector
	source   *models.ChangeSource
	lock     *distributed_lock.LocalLock
	now      time.Time
	mu       sync.Mutex
}

func (f *detectFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *detectFixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newDetectFixture(t *testing.T) *detectFixture {
	t.Helper()
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)
	store := NewGormStore(tdb.DB)

	f := &detectFixture{
		stub: &stubDetector{changes: testutil.CreateTestChanges("orders", 10)},
		lock: distributed_lock.NewLocalLock(),
		now:  time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC),
	}
	f.source = &models.ChangeSource{TenantID: tenant, Name: "shop", Category: "stub", Enabled: true}
	require.NoError(t, store.Sources().Create(context.Background(), f.source))

	f.detector = NewChangeDetector(DetectorOptions{
		Sources:     store.Sources(),
		Checkpoints: store.Checkpoints(),
		Registry:    NewRegistry(f.stub),
		Lock:        f.lock,
		Now:         f.clock,
	})
	return f
}

func TestDetectChangesCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newDetectFixture(t)

	changes, err := f.detector.DetectChanges(ctx, tenant, f.source.ID, nil)
	require.NoError(t, err)
	assert.Len(t, changes, 10)
	assert.Equal(t, f.clock().Add(-24*time.Hour), f.stub.lastSince(), "无检查点时回溯24小时")

	explicit := time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)
	_, err = f.detector.DetectChanges(ctx, tenant, f.source.ID, &explicit)
	require.NoError(t, err)
	assert.Equal(t, explicit, f.stub.lastSince())

	handled := 0
	exec, err := f.detector.RunDetection(ctx, tenant, f.source.ID, nil, func(ctx context.Context, s *models.ChangeSource, c []models.ChangeRecord) (*HandleResult, error) {
		handled = len(c)
		return &HandleResult{PushID: "push-1", RecordsAllowed: 8}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, handled)
	assert.Equal(t, meta.ExecutionStatusSuccess, exec.Status)
	assert.Equal(t, 10, exec.RecordsDetected)
	assert.Equal(t, 8, exec.RecordsAllowed)
	completed := *exec.CompletedAt

	// 处理失败不推进检查点
	f.advance(time.Hour)
	exec, err = f.detector.RunDetection(ctx, tenant, f.source.ID, nil, func(ctx context.Context, s *models.ChangeSource, c []models.ChangeRecord) (*HandleResult, error) {
		return nil, errors.New("推送失败")
	})
	require.Error(t, err)
	assert.Equal(t, meta.ExecutionStatusFailed, exec.Status)
	assert.True(t, completed.Equal(f.stub.lastSince()))

	f.advance(time.Hour)
	_, err = f.detector.DetectChanges(ctx, tenant, f.source.ID, nil)
	require.NoError(t, err)
	assert.True(t, completed.Equal(f.stub.lastSince()), "检查点为最近一次成功执行的完成时间")

	execs, err := f.detector.ListExecutions(ctx, tenant, f.source.ID, 10)
	require.NoError(t, err)
	assert.Len(t, execs, 2)
}

func TestDetectionMutualExclusion(t *testing.T) {
	ctx := context.Background()
	f := newDetectFixture(t)
	f.stub.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.detector.DetectChanges(ctx, tenant, f.source.ID, nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		locked, _ := f.lock.IsLocked(ctx, lockKey(tenant, f.source.ID))
		return locked
	}, time.Second, 5*time.Millisecond)

	_, err := f.detector.DetectChanges(ctx, tenant, f.source.ID, nil)
	assert.ErrorIs(t, err, ErrDetectionInProgress)

	close(f.stub.block)
	require.NoError(t, <-done)

	_, err = f.detector.DetectChanges(ctx, tenant, f.source.ID, nil)
	assert.NoError(t, err)
}

// lostLock 续期总是失败的锁，模拟锁在检测期间被其他实例取得
type lostLock struct {
	*distributed_lock.LocalLock
}

func (l lostLock) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	return distributed_lock.ErrLockLost
}

func TestDetectionLockRenewal(t *testing.T) {
	cases := []struct {
		name       string
		lock       func() distributed_lock.DistributedLock
		wantErr    error
		wantStatus string
	}{
		{
			name:       "长时间处理期间锁持续续期",
			lock:       func() distributed_lock.DistributedLock { return distributed_lock.NewLocalLock() },
			wantStatus: meta.ExecutionStatusSuccess,
		},
		{
			name:       "续期失败时取消处理且不推进检查点",
			lock:       func() distributed_lock.DistributedLock { return lostLock{distributed_lock.NewLocalLock()} },
			wantErr:    distributed_lock.ErrLockLost,
			wantStatus: meta.ExecutionStatusFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newDetectFixture(t)
			tdb := testutil.NewTestDB()
			t.Cleanup(tdb.Close)
			store := NewGormStore(tdb.DB)
			source := &models.ChangeSource{TenantID: tenant, Name: "shop", Category: "stub", Enabled: true}
			require.NoError(t, store.Sources().Create(ctx, source))

			lock := tc.lock()
			detector := NewChangeDetector(DetectorOptions{
				Sources:     store.Sources(),
				Checkpoints: store.Checkpoints(),
				Registry:    NewRegistry(f.stub),
				Lock:        lock,
				LockTTL:     60 * time.Millisecond,
				Now:         f.clock,
			})

			var heldToEnd bool
			exec, err := detector.RunDetection(ctx, tenant, source.ID, nil, func(ctx context.Context, s *models.ChangeSource, c []models.ChangeRecord) (*HandleResult, error) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(250 * time.Millisecond):
				}
				heldToEnd, _ = lock.IsLocked(ctx, lockKey(tenant, source.ID))
				return &HandleResult{PushID: "push-1", RecordsAllowed: len(c)}, nil
			})

			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.NotEmpty(t, exec.ErrorMessage)
			} else {
				require.NoError(t, err)
				assert.True(t, heldToEnd, "超过TTL后锁仍由本次检测持有")
			}
			assert.Equal(t, tc.wantStatus, exec.Status)

			last, err := store.Checkpoints().LastSuccess(ctx, tenant, source.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantErr == nil, last != nil)

			locked, _ := lock.IsLocked(ctx, lockKey(tenant, source.ID))
			assert.False(t, locked, "检测结束后释放锁")
		})
	}
}

func TestDetectMissingSource(t *testing.T) {
	ctx := context.Background()
	f := newDetectFixture(t)

	_, err := f.detector.DetectChanges(ctx, tenant, "missing", nil)
	assert.ErrorIs(t, err, ErrSourceNotFound)

	_, err = f.detector.DetectChanges(ctx, "other-tenant", f.source.ID, nil)
	assert.ErrorIs(t, err, ErrSourceNotFound)
}
