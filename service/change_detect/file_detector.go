package change_detect

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/cast"

	"datapush-service/service/meta"
	"datapush-service/service/models"
)

// FileDetector 按修改时间扫描目录，每个变更文件产生一条变更
type FileDetector struct{}

// NewFileDetector 创建文件检测器
func NewFileDetector() *FileDetector {
	return &FileDetector{}
}

func (d *FileDetector) Category() string { return meta.SourceCategoryFile }

func (d *FileDetector) Detect(ctx context.Context, source *models.ChangeSource, since time.Time) ([]models.ChangeRecord, error) {
	root := cast.ToString(source.ConnectionConfig["path"])
	if root == "" {
		return nil, fmt.Errorf("变更源 %s 缺少 path", source.Name)
	}
	pattern := stringParam(source.ParamsConfig, "pattern", "**")
	matcher, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("文件匹配模式 %s 非法: %w", pattern, err)
	}
	table := stringParam(source.ParamsConfig, "table", source.Name)
	maxBytes := cast.ToInt64(source.ParamsConfig["max_file_bytes"])
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}

	var changes []models.ChangeRecord
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matcher.Match(rel) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if !info.ModTime().After(since) {
			return nil
		}
		if info.Size() > maxBytes {
			return fmt.Errorf("文件 %s 超过大小上限 %d", rel, maxBytes)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("读取文件 %s 失败: %w", rel, err)
		}
		data, err := parseFileContent(rel, content)
		if err != nil {
			return err
		}
		changes = append(changes, models.NewChangeRecord(rel, meta.OperationInsert, table, nil, data, info.ModTime(), map[string]interface{}{
			"source_category": meta.SourceCategoryFile,
			"detected_by":     "mtime_scan",
			"path":            rel,
			"size":            info.Size(),
		}))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("扫描目录 %s 失败: %w", root, err)
	}
	return changes, nil
}

// parseFileContent JSON 对象直接作为数据，CSV 按表头转为 rows，其余保留原文
func parseFileContent(name string, content []byte) (map[string]interface{}, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		var v interface{}
		if err := json.Unmarshal(content, &v); err != nil {
			return nil, fmt.Errorf("解析 JSON 文件 %s 失败: %w", name, err)
		}
		if obj, ok := v.(map[string]interface{}); ok {
			return obj, nil
		}
		return map[string]interface{}{"content": v}, nil
	case ".csv":
		records, err := csv.NewReader(bytes.NewReader(content)).ReadAll()
		if err != nil {
			return nil, fmt.Errorf("解析 CSV 文件 %s 失败: %w", name, err)
		}
		rows := make([]interface{}, 0, len(records))
		if len(records) > 0 {
			header := records[0]
			for _, rec := range records[1:] {
				row := make(map[string]interface{}, len(header))
				for i, col := range header {
					if i < len(rec) {
						row[col] = rec[i]
					}
				}
				rows = append(rows, row)
			}
		}
		return map[string]interface{}{"rows": rows}, nil
	default:
		return map[string]interface{}{"content": string(content)}, nil
	}
}
