package monitor_client

// QueryResultResp VictoriaMetrics（Prometheus 兼容）查询响应
type QueryResultResp struct {
	Status    string      `json:"status"`
	Data      QueryResult `json:"data"`
	ErrorType string      `json:"errorType,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// QueryResult 查询结果，即时查询填充 Value，区间查询填充 Values
type QueryResult struct {
	Type   string         `json:"resultType"`
	Result []MetricSample `json:"result"`
}

// MetricSample 单条时间序列
type MetricSample struct {
	Metric map[string]string `json:"metric"`
	Value  []interface{}     `json:"value,omitempty"`
	Values [][]interface{}   `json:"values,omitempty"`
}

// LokiQueryResultResp Loki 查询响应
type LokiQueryResultResp struct {
	Status string          `json:"status"`
	Data   LokiQueryResult `json:"data"`
}

// LokiQueryResult Loki 查询结果
type LokiQueryResult struct {
	ResultType string       `json:"resultType"`
	Result     []LokiResult `json:"result"`
}

// LokiResult 单个日志流，Values 每项为 [纳秒时间戳, 日志行]
type LokiResult struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}
