/**
 * @module data_converter
 * @description 数据转换工具模块，负责值的文本化、字符集转换和时间解析
 * @architecture 工具函数模式，提供无状态转换方法集合
 * @documentReference ai_docs/push_design.md
 * @stateFlow 无状态转换：输入 -> 转换逻辑 -> 输出
 * @rules
 *   - 转换函数不因空值报错
 *   - 不支持的字符集返回错误，不静默降级
 * @dependencies
 *   - golang.org/x/text: GBK/GB18030 编码
 * @refs
 *   - service/format_convert/*: CSV 输出字符集
 *   - service/change_detect/*: 源数据时间戳解析
 */

package utils

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// ToString 把任意值转换为文本，nil 返回空串，复合类型输出JSON
func ToString(value interface{}) string {
	if value == nil {
		return ""
	}

	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int, int8, int16, int32, int64:
		return fmt.Sprintf("%d", v)
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		if data, err := json.Marshal(value); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", value)
	}
}

func charsetEncoding(charset string) (encoding.Encoding, bool, error) {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8":
		return nil, true, nil
	case "gbk", "gb2312":
		return simplifiedchinese.GBK, false, nil
	case "gb18030":
		return simplifiedchinese.GB18030, false, nil
	default:
		return nil, false, fmt.Errorf("不支持的字符集: %s", charset)
	}
}

// EncodeCharset 将 UTF-8 数据编码为目标字符集
func EncodeCharset(data []byte, charset string) ([]byte, error) {
	enc, passthrough, err := charsetEncoding(charset)
	if err != nil {
		return nil, err
	}
	if passthrough {
		return data, nil
	}
	result, _, err := transform.Bytes(enc.NewEncoder(), data)
	if err != nil {
		return nil, fmt.Errorf("字符集编码失败: %w", err)
	}
	return result, nil
}

// DecodeCharset 将指定字符集的数据解码为 UTF-8
func DecodeCharset(data []byte, charset string) ([]byte, error) {
	enc, passthrough, err := charsetEncoding(charset)
	if err != nil {
		return nil, err
	}
	if passthrough {
		return data, nil
	}
	result, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return nil, fmt.Errorf("字符集解码失败: %w", err)
	}
	return result, nil
}

var defaultTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime 解析时间，支持 time.Time、Unix 秒和常见字符串格式
func ParseTime(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case int64:
		return time.Unix(v, 0), nil
	case int:
		return time.Unix(int64(v), 0), nil
	case float64:
		return time.Unix(int64(v), 0), nil
	case string:
		for _, layout := range defaultTimeLayouts {
			if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("无法解析时间: %s", v)
	default:
		return time.Time{}, fmt.Errorf("不支持的时间类型: %T", value)
	}
}
