/*
 * @module service/delivery/database_deliverer
 * @description 数据库目标投递器，支持 PostgreSQL（pgx 连接池）与 MySQL（database/sql）
 * @architecture 策略模式 - 按方言生成语句，单事务写入
 * @documentReference ai_docs/push_design.md
 * @stateFlow 构建语句 -> 开启事务 -> 逐条执行 -> 提交/回滚
 * @rules
 *   - INSERT/UPDATE 使用 upsert，DELETE 按主键删除
 *   - 一批变更在同一事务内写入，任一失败整批回滚
 *   - 数据字段取格式转换后的映射字段
 * @dependencies github.com/jackc/pgx/v5/pgxpool, github.com/go-sql-driver/mysql, github.com/doug-martin/goqu/v9
 * @refs service/push_router/executor.go, service/verification/rules.go
 */

package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cast"

	"datapush-service/service/meta"
	"datapush-service/service/models"
)

const (
	driverPostgres = "postgres"
	driverMySQL    = "mysql"

	defaultKeyColumn = "id"
)

// DatabaseDeliverer 数据库目标投递器
type DatabaseDeliverer struct{}

// NewDatabaseDeliverer 创建数据库投递器
func NewDatabaseDeliverer() *DatabaseDeliverer {
	return &DatabaseDeliverer{}
}

func (d *DatabaseDeliverer) TargetType() string { return meta.TargetTypeDatabase }

// sqlTx 事务内执行抽象，屏蔽 pgx 与 database/sql 的差异
type sqlTx interface {
	exec(ctx context.Context, query string, args ...interface{}) (int64, error)
}

type dbHandle struct {
	driver string
	pg     *pgxpool.Pool
	db     *sql.DB
}

func (h *dbHandle) Close() error {
	if h.pg != nil {
		h.pg.Close()
	}
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

type pgTx struct{ tx pgx.Tx }

func (t pgTx) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type stdTx struct{ tx *sql.Tx }

func (t stdTx) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// inTx 在单个事务内执行 fn
func (h *dbHandle) inTx(ctx context.Context, fn func(sqlTx) error) error {
	if h.pg != nil {
		tx, err := h.pg.Begin(ctx)
		if err != nil {
			return fmt.Errorf("开启事务失败: %w", err)
		}
		defer tx.Rollback(ctx)
		if err := fn(pgTx{tx: tx}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("提交事务失败: %w", err)
		}
		return nil
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()
	if err := fn(stdTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// databaseOptions 数据库目标连接参数
type databaseOptions struct {
	Driver    string
	DSN       string
	Schema    string
	Table     string
	KeyColumn string
}

func parseDatabaseOptions(target *models.PushTarget) databaseOptions {
	cfg := target.ConnectionConfig
	opts := databaseOptions{
		Driver:    strings.ToLower(cast.ToString(cfg["driver"])),
		DSN:       cast.ToString(cfg["dsn"]),
		Schema:    cast.ToString(cfg["schema"]),
		Table:     cast.ToString(cfg["table"]),
		KeyColumn: cast.ToString(cfg["key_column"]),
	}
	if opts.Driver == "" || opts.Driver == "postgresql" {
		opts.Driver = driverPostgres
	}
	if opts.KeyColumn == "" {
		opts.KeyColumn = defaultKeyColumn
	}
	if opts.DSN == "" {
		opts.DSN = buildDSN(opts.Driver, cfg)
	}
	return opts
}

func buildDSN(driver string, cfg map[string]interface{}) string {
	host := cast.ToString(cfg["host"])
	port := cast.ToInt(cfg["port"])
	user := cast.ToString(cfg["username"])
	password := cast.ToString(cfg["password"])
	database := cast.ToString(cfg["database"])

	if driver == driverMySQL {
		if port == 0 {
			port = 3306
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", user, password, host, port, database)
	}
	if port == 0 {
		port = 5432
	}
	sslmode := cast.ToString(cfg["sslmode"])
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, database, sslmode)
}

// Open 创建连接池
func (d *DatabaseDeliverer) Open(ctx context.Context, target *models.PushTarget) (Handle, error) {
	opts := parseDatabaseOptions(target)
	switch opts.Driver {
	case driverPostgres:
		config, err := pgxpool.ParseConfig(opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("解析PostgreSQL连接配置失败: %w", err)
		}
		if n := cast.ToInt32(target.ConnectionConfig["max_connections"]); n > 0 {
			config.MaxConns = n
		}
		pool, err := pgxpool.NewWithConfig(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("创建PostgreSQL连接池失败: %w", err)
		}
		return &dbHandle{driver: opts.Driver, pg: pool}, nil
	case driverMySQL:
		db, err := sql.Open(driverMySQL, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("创建MySQL连接失败: %w", err)
		}
		if n := cast.ToInt(target.ConnectionConfig["max_connections"]); n > 0 {
			db.SetMaxOpenConns(n)
		}
		return &dbHandle{driver: opts.Driver, db: db}, nil
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", opts.Driver)
	}
}

// Ping 执行数据库 Ping
func (d *DatabaseDeliverer) Ping(ctx context.Context, h Handle, target *models.PushTarget) error {
	dh, err := asDBHandle(h)
	if err != nil {
		return err
	}
	if dh.pg != nil {
		return dh.pg.Ping(ctx)
	}
	return dh.db.PingContext(ctx)
}

// Deliver 在单事务内写入整批变更
func (d *DatabaseDeliverer) Deliver(ctx context.Context, h Handle, req *Request) (*Receipt, error) {
	dh, err := asDBHandle(h)
	if err != nil {
		return nil, err
	}
	opts := parseDatabaseOptions(req.Target)
	stmts, err := buildChangeStatements(opts, req)
	if err != nil {
		return nil, err
	}

	var bytes int64
	for _, p := range req.Payloads {
		bytes += int64(len(p.Body))
	}

	err = dh.inTx(ctx, func(tx sqlTx) error {
		for i, st := range stmts {
			if _, err := tx.exec(ctx, st.query, st.args...); err != nil {
				return fmt.Errorf("执行第%d条变更失败: %w", i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Receipt{RecordsPushed: len(stmts), BytesTransferred: bytes}, nil
}

// ReadRecord 按主键回读一行
func (d *DatabaseDeliverer) ReadRecord(ctx context.Context, h Handle, target *models.PushTarget, table string, key map[string]interface{}) (map[string]interface{}, bool, error) {
	dh, err := asDBHandle(h)
	if err != nil {
		return nil, false, err
	}
	opts := parseDatabaseOptions(target)
	query, args, err := goqu.Dialect(opts.Driver).
		From(tableIdentifier(opts, table)).
		Where(goqu.Ex(key)).
		Limit(1).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, false, fmt.Errorf("构建查询语句失败: %w", err)
	}

	if dh.pg != nil {
		rows, err := dh.pg.Query(ctx, query, args...)
		if err != nil {
			return nil, false, fmt.Errorf("回读记录失败: %w", err)
		}
		defer rows.Close()
		if !rows.Next() {
			return nil, false, rows.Err()
		}
		values, err := rows.Values()
		if err != nil {
			return nil, false, err
		}
		row := make(map[string]interface{}, len(values))
		for i, fd := range rows.FieldDescriptions() {
			row[fd.Name] = values[i]
		}
		return row, true, nil
	}

	rows, err := dh.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("回读记录失败: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	columns, err := rows.Columns()
	if err != nil {
		return nil, false, err
	}
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, false, err
	}
	row := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
			continue
		}
		row[col] = values[i]
	}
	return row, true, nil
}

// ApplyOperations 在单事务内执行补偿操作
func (d *DatabaseDeliverer) ApplyOperations(ctx context.Context, h Handle, target *models.PushTarget, ops []models.RollbackOperation) error {
	dh, err := asDBHandle(h)
	if err != nil {
		return err
	}
	opts := parseDatabaseOptions(target)
	stmts := make([]statement, 0, len(ops))
	for _, op := range ops {
		switch op.Operation {
		case meta.OperationInsert, meta.OperationUpdate, meta.OperationDelete:
		default:
			return fmt.Errorf("%w: %s", ErrCapabilityNotSupported, op.Operation)
		}
		st, err := buildStatement(opts, op.TableName, op.Operation, op.RecordID, op.Data)
		if err != nil {
			return err
		}
		stmts = append(stmts, st)
	}
	return dh.inTx(ctx, func(tx sqlTx) error {
		for _, st := range stmts {
			if _, err := tx.exec(ctx, st.query, st.args...); err != nil {
				return fmt.Errorf("执行回滚操作失败: %w", err)
			}
		}
		return nil
	})
}

type statement struct {
	query string
	args  []interface{}
}

func buildChangeStatements(opts databaseOptions, req *Request) ([]statement, error) {
	stmts := make([]statement, 0, len(req.Changes))
	for i, change := range req.Changes {
		fields := change.Data()
		if i < len(req.Payloads) && len(req.Payloads[i].Fields) > 0 {
			fields = req.Payloads[i].Fields
		}
		if change.Operation == meta.OperationDelete && len(fields) == 0 {
			fields = change.Old()
		}
		st, err := buildStatement(opts, change.TableName, change.Operation, change.RecordID, fields)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, st)
	}
	return stmts, nil
}

// buildStatement 生成单条变更的参数化SQL
func buildStatement(opts databaseOptions, table, operation, recordID string, fields map[string]interface{}) (statement, error) {
	dialect := goqu.Dialect(opts.Driver)
	ident := tableIdentifier(opts, table)
	keyValue, ok := fields[opts.KeyColumn]
	if !ok || keyValue == nil {
		keyValue = recordID
	}

	var (
		query string
		args  []interface{}
		err   error
	)
	switch operation {
	case meta.OperationInsert, meta.OperationUpdate:
		row := goqu.Record{}
		for k, v := range fields {
			row[k] = v
		}
		row[opts.KeyColumn] = keyValue
		update := goqu.Record{}
		for k, v := range row {
			if k != opts.KeyColumn {
				update[k] = v
			}
		}
		ds := dialect.Insert(ident).Rows(row)
		if len(update) > 0 {
			ds = ds.OnConflict(goqu.DoUpdate(opts.KeyColumn, update))
		} else {
			ds = ds.OnConflict(goqu.DoNothing())
		}
		query, args, err = ds.Prepared(true).ToSQL()
	case meta.OperationDelete:
		query, args, err = dialect.Delete(ident).
			Where(goqu.Ex{opts.KeyColumn: keyValue}).
			Prepared(true).
			ToSQL()
	default:
		return statement{}, fmt.Errorf("不支持的变更操作: %s", operation)
	}
	if err != nil {
		return statement{}, fmt.Errorf("构建%s语句失败: %w", operation, err)
	}
	return statement{query: query, args: args}, nil
}

func tableIdentifier(opts databaseOptions, table string) exp.IdentifierExpression {
	if opts.Table != "" {
		table = strings.ReplaceAll(opts.Table, "{table}", table)
	}
	if opts.Schema != "" {
		return goqu.S(opts.Schema).Table(table)
	}
	return goqu.T(table)
}

func asDBHandle(h Handle) (*dbHandle, error) {
	dh, ok := h.(*dbHandle)
	if !ok || dh == nil {
		return nil, errors.New("无效的数据库连接句柄")
	}
	return dh, nil
}
