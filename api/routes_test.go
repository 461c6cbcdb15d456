package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapush-service/service"
	"datapush-service/service/config"
	"datapush-service/service/models"
	"datapush-service/service/push_pipeline"
	"datapush-service/testutil"
)

type apiResponse struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

func newTestAPI(t *testing.T, mutate func(cfg *config.Config)) *chi.Mux {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Scheduler.Enabled = false
	cfg.Auth.Required = false
	cfg.Monitor = config.MonitorConfig{}
	if mutate != nil {
		mutate(cfg)
	}

	tdb := testutil.NewTestDB()
	c, err := service.NewContainerWithDB(cfg, tdb.DB)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	r := chi.NewRouter()
	InitRoute(r, c)
	return r
}

func call(t *testing.T, h http.Handler, method, path, tenant string, body interface{}) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
		req.Header.Set("X-User-ID", "alice")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp apiResponse
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

func TestHealthAndMeta(t *testing.T) {
	r := newTestAPI(t, nil)

	for _, path := range []string{"/health", "/ready", "/meta/target-types"} {
		w, _ := call(t, r, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestTenantRequired(t *testing.T) {
	r := newTestAPI(t, nil)

	w, resp := call(t, r, http.MethodGet, "/targets", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestPushFlowOverHTTP(t *testing.T) {
	var received int32
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	r := newTestAPI(t, nil)

	w, resp := call(t, r, http.MethodPost, "/targets", "t1", map[string]interface{}{
		"name":              "crm",
		"target_type":       "api",
		"connection_config": map[string]interface{}{"url": endpoint.URL, "api_key": "k-123"},
		"priority":          5,
		"weight":            1,
	})
	require.Equal(t, http.StatusCreated, w.Code, resp.Msg)
	var target models.PushTarget
	require.NoError(t, json.Unmarshal(resp.Data, &target))
	require.NotEmpty(t, target.ID)
	assert.NotEqual(t, "k-123", target.ConnectionConfig["api_key"], "返回的敏感字段应脱敏")

	w, resp = call(t, r, http.MethodPost, "/push/execute", "t1", map[string]interface{}{
		"changes": []map[string]interface{}{
			{"record_id": "1", "operation": "INSERT", "table_name": "orders", "new_data": map[string]interface{}{"id": 1}},
			{"record_id": "2", "operation": "INSERT", "table_name": "orders", "new_data": map[string]interface{}{"id": 2}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, resp.Msg)
	var result push_pipeline.Result
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	require.NotEmpty(t, result.PushID)
	require.NotNil(t, result.Outcome)
	assert.Equal(t, "success", result.Outcome.Status)
	assert.Equal(t, 2, result.Outcome.RecordsPushed)
	require.NotNil(t, result.Confirmation)
	assert.Equal(t, "confirmed", result.Confirmation.Status)
	assert.Equal(t, "alice", result.Confirmation.ConfirmedBy)
	assert.Equal(t, int32(1), atomic.LoadInt32(&received))

	w, resp = call(t, r, http.MethodGet, "/push/"+result.PushID+"/results", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code, resp.Msg)
	var detail struct {
		Results []models.PushResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &detail))
	require.Len(t, detail.Results, 1)
	assert.Equal(t, target.ID, detail.Results[0].TargetID)

	tests := []struct {
		name   string
		method string
		path   string
		tenant string
		body   interface{}
		want   int
	}{
		{"其他租户看不到推送结果", http.MethodGet, "/push/" + result.PushID + "/results", "t2", nil, http.StatusNotFound},
		{"查询确认状态", http.MethodGet, "/confirmations/" + result.PushID, "t1", nil, http.StatusOK},
		{"已确认的推送不能回滚", http.MethodPost, "/rollbacks", "t1", map[string]string{"push_id": result.PushID, "target_id": target.ID}, http.StatusConflict},
		{"回滚缺少目标", http.MethodPost, "/rollbacks", "t1", map[string]string{"push_id": result.PushID}, http.StatusBadRequest},
		{"重新校验", http.MethodPost, "/push/" + result.PushID + "/verify", "t1", nil, http.StatusOK},
		{"目标统计", http.MethodGet, "/statistics/targets/" + target.ID, "t1", nil, http.StatusOK},
		{"其他租户的目标统计", http.MethodGet, "/statistics/targets/" + target.ID, "t2", nil, http.StatusNotFound},
		{"路由统计", http.MethodGet, "/statistics/routing", "t1", nil, http.StatusOK},
		{"调度记录", http.MethodGet, "/statistics/scheduler", "t1", nil, http.StatusOK},
		{"未配置指标后端", http.MethodGet, "/statistics/delivery-trend", "t1", nil, http.StatusServiceUnavailable},
		{"未配置日志后端", http.MethodGet, "/push/" + result.PushID + "/logs", "t1", nil, http.StatusServiceUnavailable},
		{"其他租户看不到推送日志", http.MethodGet, "/push/" + result.PushID + "/logs", "t2", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := call(t, r, tt.method, tt.path, tt.tenant, tt.body)
			assert.Equal(t, tt.want, w.Code, resp.Msg)
		})
	}

	w, _ = call(t, r, http.MethodDelete, "/targets/"+target.ID, "t1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = call(t, r, http.MethodGet, "/targets/"+target.ID, "t1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecuteValidation(t *testing.T) {
	r := newTestAPI(t, nil)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"缺少变更与变更源", map[string]interface{}{}, http.StatusBadRequest},
		{"非法确认类型", map[string]interface{}{"source_id": "s1", "confirmation": map[string]interface{}{"confirmation_type": "never"}}, http.StatusBadRequest},
		{"非法回滚策略", map[string]interface{}{"source_id": "s1", "rollback_strategy": "undo"}, http.StatusBadRequest},
		{"变更源不存在", map[string]interface{}{"source_id": "s1"}, http.StatusNotFound},
		{"没有可用目标", map[string]interface{}{"changes": []map[string]interface{}{{"record_id": "r1", "operation": "INSERT", "table_name": "orders", "new_data": map[string]interface{}{"id": 1}}}}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := call(t, r, http.MethodPost, "/push/execute", "t1", tt.body)
			assert.Equal(t, tt.want, w.Code, resp.Msg)
		})
	}
}

func TestSourcesAndPolicies(t *testing.T) {
	r := newTestAPI(t, nil)

	w, resp := call(t, r, http.MethodGet, "/sources/categories", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var categories []string
	require.NoError(t, json.Unmarshal(resp.Data, &categories))
	assert.ElementsMatch(t, []string{"database", "http", "file"}, categories)

	w, _ = call(t, r, http.MethodPost, "/sources", "t1", map[string]interface{}{"name": "ftp", "category": "ftp"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = call(t, r, http.MethodPost, "/sources", "t1", map[string]interface{}{
		"name":              "inbox",
		"category":          "file",
		"connection_config": map[string]interface{}{"path": t.TempDir()},
	})
	require.Equal(t, http.StatusCreated, w.Code, resp.Msg)
	var source models.ChangeSource
	require.NoError(t, json.Unmarshal(resp.Data, &source))

	w, _ = call(t, r, http.MethodGet, "/sources/"+source.ID+"/executions", "t1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = call(t, r, http.MethodGet, "/sources/"+source.ID, "t2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = call(t, r, http.MethodDelete, "/sources/"+source.ID, "t1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = call(t, r, http.MethodDelete, "/sources/"+source.ID, "t1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	policyTests := []struct {
		name   string
		policy map[string]interface{}
		want   int
	}{
		{"非法IP", map[string]interface{}{"identity": "svc", "allowed_ips": []string{"not-an-ip"}}, http.StatusBadRequest},
		{"非法小时", map[string]interface{}{"identity": "svc", "allowed_hours": []int{25}}, http.StatusBadRequest},
		{"缺少身份", map[string]interface{}{"denied_tables": []string{"secret_*"}}, http.StatusBadRequest},
		{"合法策略", map[string]interface{}{"identity": "svc", "allowed_ips": []string{"10.0.0.0/8"}, "denied_tables": []string{"secret_*"}}, http.StatusOK},
	}
	for _, tt := range policyTests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := call(t, r, http.MethodPut, "/policies", "t1", tt.policy)
			assert.Equal(t, tt.want, w.Code, resp.Msg)
		})
	}

	w, resp = call(t, r, http.MethodGet, "/policies", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var policies []models.PermissionPolicy
	require.NoError(t, json.Unmarshal(resp.Data, &policies))
	require.Len(t, policies, 1)
	assert.Equal(t, "*", policies[0].TargetID)

	w, _ = call(t, r, http.MethodPost, "/policies/svc/*/invalidate", "t1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = call(t, r, http.MethodDelete, "/policies/svc/*", "t1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit(t *testing.T) {
	r := newTestAPI(t, func(cfg *config.Config) { cfg.App.RateLimitPerMinute = 2 })

	for i := 0; i < 2; i++ {
		w, _ := call(t, r, http.MethodGet, "/targets", "t1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	}
	w, _ := call(t, r, http.MethodGet, "/targets", "t1", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// 其他租户不受影响
	w, _ = call(t, r, http.MethodGet, "/targets", "t2", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJWTIdentity(t *testing.T) {
	const secret = "test-secret"
	r := newTestAPI(t, func(cfg *config.Config) {
		cfg.Auth.Required = true
		cfg.Auth.JWTSecret = secret
	})

	sign := func(claims jwt.MapClaims, key string) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return token
	}
	valid := jwt.MapClaims{"sub": "alice", "tenant_id": "t1", "exp": time.Now().Add(time.Hour).Unix()}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"缺少Token", "", http.StatusUnauthorized},
		{"格式错误", "Token abc", http.StatusUnauthorized},
		{"签名错误", "Bearer " + sign(valid, "other"), http.StatusUnauthorized},
		{"缺少租户声明", "Bearer " + sign(jwt.MapClaims{"sub": "alice"}, secret), http.StatusUnauthorized},
		{"已过期", "Bearer " + sign(jwt.MapClaims{"sub": "alice", "tenant_id": "t1", "exp": time.Now().Add(-time.Hour).Unix()}, secret), http.StatusUnauthorized},
		{"合法Token", "Bearer " + sign(valid, secret), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/targets", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	w, _ := call(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
