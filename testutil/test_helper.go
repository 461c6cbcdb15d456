/*
 * @module testutil/test_helper
 * @description 测试工具和辅助函数
 * @architecture 测试基础设施 - 提供测试通用工具和数据工厂
 * @documentReference ai_docs/push_design.md
 * @stateFlow 测试环境初始化 -> 测试数据创建 -> 测试执行 -> 清理资源
 * @rules 提供可重用的测试工具，确保测试环境的一致性
 * @dependencies gorm, sqlite, testify
 * @refs service/models, service/delivery
 */

package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"datapush-service/service/database"
	"datapush-service/service/delivery"
	"datapush-service/service/models"
)

// TestDB 测试数据库配置
type TestDB struct {
	DB *gorm.DB
}

// NewTestDB 创建内存 sqlite 测试数据库并迁移全部推送模型
func NewTestDB() *TestDB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to connect test database: %v", err))
	}
	// 内存库每个连接各自独立，限制为单连接
	sqlDB, err := db.DB()
	if err != nil {
		panic(fmt.Sprintf("failed to get sql db: %v", err))
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.AutoMigrate(db); err != nil {
		panic(fmt.Sprintf("failed to migrate test database: %v", err))
	}
	return &TestDB{DB: db}
}

// CleanDB 清理数据库
func (tdb *TestDB) CleanDB() {
	for _, m := range database.PushModels() {
		tdb.DB.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m)
	}
}

// Close 关闭数据库
func (tdb *TestDB) Close() {
	if sqlDB, err := tdb.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

// CreateTestTarget 创建测试推送目标
func CreateTestTarget(db *gorm.DB, tenantID, name, targetType string, overrides ...func(*models.PushTarget)) *models.PushTarget {
	target := &models.PushTarget{
		TenantID:         tenantID,
		Name:             name,
		TargetType:       targetType,
		ConnectionConfig: models.JSONB{},
		FormatConfig:     models.JSONB{"format": "json"},
		Enabled:          true,
		Priority:         1,
		Weight:           1,
		HealthStatus:     "healthy",
		CreatedBy:        "test",
	}
	for _, o := range overrides {
		o(target)
	}
	if err := db.Create(target).Error; err != nil {
		panic(fmt.Sprintf("failed to create test target: %v", err))
	}
	return target
}

// CreateTestRoute 创建测试路由
func CreateTestRoute(db *gorm.DB, tenantID, name string, priority int, conditions models.RouteConditions, groups ...models.LoadBalancingStrategy) *models.PushRoute {
	route := &models.PushRoute{
		TenantID:     tenantID,
		Name:         name,
		Conditions:   conditions,
		TargetGroups: groups,
		Priority:     priority,
		Enabled:      true,
	}
	if err := db.Create(route).Error; err != nil {
		panic(fmt.Sprintf("failed to create test route: %v", err))
	}
	return route
}

// CreateTestChanges 生成 n 条插入变更
func CreateTestChanges(table string, n int) []models.ChangeRecord {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	changes := make([]models.ChangeRecord, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", table, i+1)
		changes = append(changes, models.NewChangeRecord(id, "INSERT", table, nil,
			map[string]interface{}{"id": id, "seq": i + 1}, ts.Add(time.Duration(i)*time.Second), nil))
	}
	return changes
}

// FakeDeliverer 可编程的投递器替身，记录每次投递
type FakeDeliverer struct {
	Type string

	mu         sync.Mutex
	deliveries []*delivery.Request
	failures   map[string]int // target_id -> 剩余失败次数，<0 表示始终失败
	pingErr   map[string]error
	checksums  map[string]string
	records    map[string]map[string]interface{} // table/record_id -> 行
	applied    []models.RollbackOperation
	attempts   atomic.Int64
}

// NewFakeDeliverer 创建投递器替身
func NewFakeDeliverer(targetType string) *FakeDeliverer {
	return &FakeDeliverer{
		Type:      targetType,
		failures:  map[string]int{},
		pingErr:  map[string]error{},
		checksums: map[string]string{},
		records:   map[string]map[string]interface{}{},
	}
}

type fakeHandle struct{}

func (fakeHandle) Close() error { return nil }

func (f *FakeDeliverer) TargetType() string { return f.Type }

func (f *FakeDeliverer) Open(ctx context.Context, target *models.PushTarget) (delivery.Handle, error) {
	return fakeHandle{}, nil
}

// FailTimes 让目标接下来的 n 次投递失败，n<0 表示始终失败
func (f *FakeDeliverer) FailTimes(targetID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[targetID] = n
}

// SetPingError 设置目标探活结果
func (f *FakeDeliverer) SetPingError(targetID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr[targetID] = err
}

// SetChecksum 设置目标回报的校验和
func (f *FakeDeliverer) SetChecksum(targetID, checksum string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checksums[targetID] = checksum
}

func (f *FakeDeliverer) Deliver(ctx context.Context, h delivery.Handle, req *delivery.Request) (*delivery.Receipt, error) {
	f.attempts.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	if n, ok := f.failures[req.Target.ID]; ok && n != 0 {
		if n > 0 {
			f.failures[req.Target.ID] = n - 1
		}
		return nil, fmt.Errorf("模拟投递失败: %s", req.Target.ID)
	}
	f.deliveries = append(f.deliveries, req)
	for _, c := range req.Changes {
		f.records[c.TableName+"/"+c.RecordID] = c.Data()
	}
	return &delivery.Receipt{
		RecordsPushed:    len(req.Changes),
		BytesTransferred: int64(len(req.Body)),
		Checksum:         f.checksums[req.Target.ID],
	}, nil
}

func (f *FakeDeliverer) Ping(ctx context.Context, h delivery.Handle, target *models.PushTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr[target.ID]
}

// ReadRecord 从已投递记录中回读
func (f *FakeDeliverer) ReadRecord(ctx context.Context, h delivery.Handle, target *models.PushTarget, table string, key map[string]interface{}) (map[string]interface{}, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range key {
		row, ok := f.records[fmt.Sprintf("%s/%v", table, v)]
		return row, ok, nil
	}
	return nil, false, nil
}

// ApplyOperations 记录回滚操作
func (f *FakeDeliverer) ApplyOperations(ctx context.Context, h delivery.Handle, target *models.PushTarget, ops []models.RollbackOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, ops...)
	return nil
}

// Deliveries 已成功的投递请求
func (f *FakeDeliverer) Deliveries() []*delivery.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*delivery.Request(nil), f.deliveries...)
}

// DeliveredTo 某目标成功接收的记录数
func (f *FakeDeliverer) DeliveredTo(targetID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.deliveries {
		if d.Target.ID == targetID {
			n += len(d.Changes)
		}
	}
	return n
}

// Attempts 投递尝试总次数
func (f *FakeDeliverer) Attempts() int {
	return int(f.attempts.Load())
}

// Applied 已执行的回滚操作
func (f *FakeDeliverer) Applied() []models.RollbackOperation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.RollbackOperation(nil), f.applied...)
}
