package monitor_client

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cast"
)

// TrendPoint 趋势数据点
type TrendPoint struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// TrendSeries 按标签分组的趋势序列
type TrendSeries struct {
	Labels map[string]string `json:"labels"`
	Points []TrendPoint      `json:"points"`
}

// LogEntry 单条日志
type LogEntry struct {
	Time   time.Time         `json:"time"`
	Line   string            `json:"line"`
	Labels map[string]string `json:"labels"`
}

// DeliveryTrendQuery 每个步长内按目标类型和结果统计的投递次数
func DeliveryTrendQuery(step time.Duration) string {
	return fmt.Sprintf("sum by (target_type, result) (increase(datapush_delivery_attempts_total[%ds]))", int(step.Seconds()))
}

// PushLogQuery 按 push_id 过滤 JSON 日志，selector 为服务日志流选择器
func PushLogQuery(selector, pushID string) string {
	return fmt.Sprintf("%s | json | push_id=%s", selector, strconv.Quote(pushID))
}

// DeliveryTrend 查询投递趋势
func (c *Client) DeliveryTrend(ctx context.Context, start, end time.Time, step time.Duration) ([]TrendSeries, error) {
	if step < time.Minute {
		step = time.Minute
	}
	result, err := c.QueryRange(ctx, DeliveryTrendQuery(step), start, end, step)
	if err != nil {
		return nil, err
	}
	return ToTrendSeries(result), nil
}

// PushLogs 查询单次推送的日志，按时间升序
func (c *Client) PushLogs(ctx context.Context, selector, pushID string, limit int, start, end time.Time) ([]LogEntry, error) {
	result, err := c.LokiRangeQuery(ctx, PushLogQuery(selector, pushID), limit, start, end)
	if err != nil {
		return nil, err
	}
	return ToLogEntries(result), nil
}

// ToTrendSeries 将区间查询结果转换为趋势序列，无法解析的点被跳过
func ToTrendSeries(result *QueryResult) []TrendSeries {
	series := make([]TrendSeries, 0, len(result.Result))
	for _, sample := range result.Result {
		s := TrendSeries{Labels: sample.Metric, Points: make([]TrendPoint, 0, len(sample.Values))}
		for _, pair := range sample.Values {
			if len(pair) != 2 {
				continue
			}
			ts, err := cast.ToFloat64E(pair[0])
			if err != nil {
				continue
			}
			v, err := cast.ToFloat64E(pair[1])
			if err != nil {
				continue
			}
			s.Points = append(s.Points, TrendPoint{Time: time.Unix(int64(ts), 0), Value: v})
		}
		series = append(series, s)
	}
	return series
}

// ToLogEntries 合并各日志流并按时间排序
func ToLogEntries(result *LokiQueryResult) []LogEntry {
	var entries []LogEntry
	for _, stream := range result.Result {
		for _, v := range stream.Values {
			ns, err := cast.ToInt64E(v[0])
			if err != nil {
				continue
			}
			entries = append(entries, LogEntry{Time: time.Unix(0, ns), Line: v[1], Labels: stream.Stream})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Time.Before(entries[j].Time) })
	return entries
}
