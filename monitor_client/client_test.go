package monitor_client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotConfigured(t *testing.T) {
	c := NewClient("", "", 0)
	ctx := context.Background()

	_, err := c.Query(ctx, "up", time.Now())
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = c.DeliveryTrend(ctx, time.Now().Add(-time.Hour), time.Now(), time.Minute)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = c.PushLogs(ctx, `{app="datapush-service"}`, "p1", 10, time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(QueryResultResp{
			Status: "success",
			Data: QueryResult{
				Type:   "vector",
				Result: []MetricSample{{Metric: map[string]string{"__name__": "up"}, Value: []interface{}{1700000000, "1"}}},
			},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "", time.Second)
	tests := []struct {
		name    string
		query   string
		at      time.Time
		wantErr bool
	}{
		{"正常查询", "up", time.Now(), false},
		{"空查询字符串", "", time.Now(), true},
		{"零时间使用当前时间", "up", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := c.Query(context.Background(), tt.query, tt.at)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "vector", result.Type)
			assert.Len(t, result.Result, 1)
		})
	}
}

func TestQueryRangeValidation(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", time.Second)
	now := time.Now()
	tests := []struct {
		name       string
		start, end time.Time
	}{
		{"开始时间为零", time.Time{}, now},
		{"结束时间为零", now, time.Time{}},
		{"开始晚于结束", now, now.Add(-time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.QueryRange(context.Background(), "up", tt.start, tt.end, time.Minute)
			assert.Error(t, err)
		})
	}
}

func TestDeliveryTrend(t *testing.T) {
	var gotQuery, gotStep string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		gotQuery = r.PostForm.Get("query")
		gotStep = r.PostForm.Get("step")
		w.Write([]byte(`{"status":"success","data":{"resultType":"matrix","result":[
			{"metric":{"target_type":"api","result":"success"},"values":[[1700000000,"3"],[1700000300,"bad"],[1700000600,"5"]]}
		]}}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "", time.Second)
	end := time.Unix(1700000600, 0)
	series, err := c.DeliveryTrend(context.Background(), end.Add(-10*time.Minute), end, 5*time.Minute)
	require.NoError(t, err)

	assert.Contains(t, gotQuery, "datapush_delivery_attempts_total[300s]")
	assert.Equal(t, "300", gotStep)
	require.Len(t, series, 1)
	assert.Equal(t, "api", series[0].Labels["target_type"])
	require.Len(t, series[0].Points, 2)
	assert.Equal(t, 3.0, series[0].Points[0].Value)
	assert.Equal(t, time.Unix(1700000600, 0), series[0].Points[1].Time)
}

func TestPushLogs(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/query_range", r.URL.Path)
		gotQuery = r.URL.Query().Get("query")
		json.NewEncoder(w).Encode(LokiQueryResultResp{
			Status: "success",
			Data: LokiQueryResult{
				ResultType: "streams",
				Result: []LokiResult{
					{Stream: map[string]string{"level": "WARN"}, Values: [][2]string{{"1700000002000000000", "b"}}},
					{Stream: map[string]string{"level": "INFO"}, Values: [][2]string{{"1700000001000000000", "a"}}},
				},
			},
		})
	}))
	defer server.Close()

	c := NewClient("", server.URL, time.Second)
	entries, err := c.PushLogs(context.Background(), `{app="datapush-service"}`, "push-1", 0, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	assert.Equal(t, `{app="datapush-service"} | json | push_id="push-1"`, gotQuery)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Line)
	assert.Equal(t, "WARN", entries[1].Labels["level"])
}

func TestBackendErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "parse error", http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewClient(server.URL, server.URL, time.Second)
	_, err := c.Query(context.Background(), "up{", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "状态码=400")
}
