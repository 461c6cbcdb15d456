package change_detect

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/spf13/cast"

	"datapush-service/service/meta"
	"datapush-service/service/models"
)

// SQLOpener 打开源端数据库连接
type SQLOpener func(driverName, dsn string) (*sql.DB, error)

// columnSpec 时间戳差异检测使用的列
type columnSpec struct {
	key     string
	created string
	updated string
	deleted string
}

func columnSpecFrom(params models.JSONB) columnSpec {
	spec := columnSpec{key: "id", created: "created_at", updated: "updated_at", deleted: "deleted_at"}
	if v, ok := params["key_column"]; ok {
		spec.key = cast.ToString(v)
	}
	if v, ok := params["created_column"]; ok {
		spec.created = cast.ToString(v)
	}
	if v, ok := params["updated_column"]; ok {
		spec.updated = cast.ToString(v)
	}
	// 显式配置为空字符串时表示源表不做软删除
	if v, ok := params["deleted_column"]; ok {
		spec.deleted = cast.ToString(v)
	}
	return spec
}

// DatabaseDetector 关系型数据库时间戳差异检测
type DatabaseDetector struct {
	open SQLOpener
}

// NewDatabaseDetector 创建数据库检测器，open 为空时使用 lib/pq
func NewDatabaseDetector(open SQLOpener) *DatabaseDetector {
	if open == nil {
		open = sql.Open
	}
	return &DatabaseDetector{open: open}
}

func (d *DatabaseDetector) Category() string { return meta.SourceCategoryDatabase }

func (d *DatabaseDetector) Detect(ctx context.Context, source *models.ChangeSource, since time.Time) ([]models.ChangeRecord, error) {
	if len(source.Tables) == 0 {
		return nil, fmt.Errorf("变更源 %s 未配置检测表", source.Name)
	}
	driver := cast.ToString(source.ConnectionConfig["driver"])
	if driver == "" {
		driver = "postgres"
	}
	dsn, err := buildPostgresDSN(source.ConnectionConfig)
	if err != nil {
		return nil, err
	}
	db, err := d.open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接变更源失败: %w", err)
	}
	defer db.Close()

	spec := columnSpecFrom(source.ParamsConfig)
	schema := cast.ToString(source.ConnectionConfig["schema"])
	limit := cast.ToInt(source.ParamsConfig["batch_limit"])
	if limit <= 0 {
		limit = 10000
	}

	var changes []models.ChangeRecord
	for _, table := range source.Tables {
		query := buildDiffQuery(schema, table, spec, limit)
		rows, err := queryRows(ctx, db, query, since)
		if err != nil {
			return nil, fmt.Errorf("检测表 %s 变更失败: %w", table, err)
		}
		changes = append(changes, rowsToChanges(table, rows, spec, since)...)
	}
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Timestamp.Before(changes[j].Timestamp)
	})
	return changes, nil
}

// buildPostgresDSN 由连接配置拼接 key=value 形式的连接串
func buildPostgresDSN(cfg models.JSONB) (string, error) {
	if dsn := cast.ToString(cfg["dsn"]); dsn != "" {
		return dsn, nil
	}
	host := cast.ToString(cfg["host"])
	if host == "" {
		return "", fmt.Errorf("主机地址不能为空")
	}
	database := cast.ToString(cfg["database"])
	if database == "" {
		return "", fmt.Errorf("数据库名不能为空")
	}
	parts := []string{"host=" + host, "dbname=" + database}
	if port := cast.ToInt(cfg["port"]); port > 0 {
		parts = append(parts, fmt.Sprintf("port=%d", port))
	}
	if user := cast.ToString(cfg["username"]); user != "" {
		parts = append(parts, "user="+user)
	}
	if password := cast.ToString(cfg["password"]); password != "" {
		parts = append(parts, "password="+password)
	}
	sslMode := cast.ToString(cfg["sslmode"])
	if sslMode == "" {
		sslMode = "disable"
	}
	parts = append(parts, "sslmode="+sslMode)
	return strings.Join(parts, " "), nil
}

func buildDiffQuery(schema, table string, spec columnSpec, limit int) string {
	from := pq.QuoteIdentifier(table)
	if schema != "" {
		from = pq.QuoteIdentifier(schema) + "." + from
	}
	updated := pq.QuoteIdentifier(spec.updated)
	where := updated + " > $1"
	if spec.deleted != "" {
		deleted := pq.QuoteIdentifier(spec.deleted)
		where = fmt.Sprintf("(%s OR (%s IS NOT NULL AND %s > $1))", where, deleted, deleted)
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY %s ASC LIMIT %d", from, where, updated, limit)
}

func queryRows(ctx context.Context, db *sql.DB, query string, since time.Time) ([]map[string]interface{}, error) {
	rows, err := db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("获取列信息失败: %w", err)
	}
	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("扫描行数据失败: %w", err)
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// rowsToChanges 按软删除列与创建时间推断操作类型
func rowsToChanges(table string, rows []map[string]interface{}, spec columnSpec, since time.Time) []models.ChangeRecord {
	changes := make([]models.ChangeRecord, 0, len(rows))
	for _, row := range rows {
		recordID := cast.ToString(row[spec.key])
		ts := toTime(row[spec.updated])
		info := map[string]interface{}{"source_category": meta.SourceCategoryDatabase, "detected_by": "timestamp_diff"}

		if spec.deleted != "" && row[spec.deleted] != nil {
			if deletedAt := toTime(row[spec.deleted]); !deletedAt.IsZero() && deletedAt.After(since) {
				if deletedAt.After(ts) {
					ts = deletedAt
				}
				changes = append(changes, models.NewChangeRecord(recordID, meta.OperationDelete, table, row, nil, ts, info))
				continue
			}
		}

		op := meta.OperationUpdate
		if created := toTime(row[spec.created]); !created.IsZero() && created.After(since) {
			op = meta.OperationInsert
		}
		changes = append(changes, models.NewChangeRecord(recordID, op, table, nil, row, ts, info))
	}
	return changes
}

func toTime(v interface{}) time.Time {
	if v == nil {
		return time.Time{}
	}
	t, err := cast.ToTimeE(v)
	if err != nil {
		return time.Time{}
	}
	return t
}
