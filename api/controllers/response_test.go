package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapush-service/api/middleware"
	"datapush-service/service/change_detect"
	"datapush-service/service/push_pipeline"
	"datapush-service/service/push_target"
	"datapush-service/service/utils"
	"datapush-service/service/verification"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"参数校验失败", &utils.ValidationError{Fields: map[string]string{"name": "不能为空"}}, http.StatusBadRequest},
		{"包装后的校验失败", fmt.Errorf("创建失败: %w", &utils.ValidationError{}), http.StatusBadRequest},
		{"缺少租户", errMissingTenant, http.StatusBadRequest},
		{"未知回滚策略", verification.ErrUnknownRollbackStrategy, http.StatusBadRequest},
		{"目标不存在", push_target.ErrTargetNotFound, http.StatusNotFound},
		{"推送不存在", push_pipeline.ErrPushNotFound, http.StatusNotFound},
		{"包装后的变更源不存在", fmt.Errorf("检测失败: %w", change_detect.ErrSourceNotFound), http.StatusNotFound},
		{"不允许回滚", fmt.Errorf("%w: 确认状态为 confirmed", verification.ErrRollbackNotAllowed), http.StatusConflict},
		{"检测进行中", change_detect.ErrDetectionInProgress, http.StatusConflict},
		{"没有可用目标", fmt.Errorf("路由推送失败: %w", push_target.ErrNoTargetsAvailable), http.StatusServiceUnavailable},
		{"推送无可用目标", fmt.Errorf("%w: %w", push_pipeline.ErrPushFailed, push_target.ErrNoTargetsAvailable), http.StatusServiceUnavailable},
		{"投递全部失败", fmt.Errorf("%w: 连接被拒绝", push_pipeline.ErrPushFailed), http.StatusBadGateway},
		{"确认被拒绝", fmt.Errorf("%w: rejected", push_pipeline.ErrPushRejected), http.StatusConflict},
		{"其他错误", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusOf(tt.err))
		})
	}
}

func TestRespondError(t *testing.T) {
	t.Run("校验错误返回字段详情", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/targets", nil)
		respondError(w, r, "创建推送目标失败", &utils.ValidationError{Fields: map[string]string{"name": "不能为空"}})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var resp struct {
			Status int               `json:"status"`
			Msg    string            `json:"msg"`
			Data   map[string]string `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, http.StatusBadRequest, resp.Status)
		assert.Contains(t, resp.Msg, "创建推送目标失败")
		assert.Equal(t, "不能为空", resp.Data["name"])
	})

	t.Run("内部错误不暴露细节", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/targets", nil)
		respondError(w, r, "获取推送目标列表失败", errors.New("pq: connection refused"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		var resp APIResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "获取推送目标列表失败", resp.Msg)
	})
}

func TestCallerOf(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/targets", nil)
	_, err := callerOf(r)
	assert.ErrorIs(t, err, errMissingTenant)

	ctx := middleware.WithIdentity(r.Context(), middleware.Identity{ID: "alice", TenantID: "t1", IP: "10.0.0.1"})
	caller, err := callerOf(r.WithContext(ctx))
	require.NoError(t, err)
	assert.Equal(t, "t1", caller.TenantID)
	assert.Equal(t, "alice", actorOf(caller).ID)
	assert.Equal(t, "anonymous", actorOf(middleware.Identity{TenantID: "t1"}).ID)
}
