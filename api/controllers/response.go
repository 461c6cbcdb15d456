package controllers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"datapush-service/api/middleware"
	"datapush-service/monitor_client"
	"datapush-service/service/audit"
	"datapush-service/service/change_detect"
	"datapush-service/service/delivery"
	"datapush-service/service/distributed_lock"
	"datapush-service/service/push_pipeline"
	"datapush-service/service/push_router"
	"datapush-service/service/push_target"
	"datapush-service/service/utils"
	"datapush-service/service/verification"
)

// APIResponse 统一API响应结构
type APIResponse struct {
	Status int         `json:"status" example:"0"`
	Msg    string      `json:"msg" example:"操作成功"`
	Data   interface{} `json:"data,omitempty"`
}

// errMissingTenant 请求缺少租户标识
var errMissingTenant = errors.New("缺少租户标识")

func respondOK(w http.ResponseWriter, r *http.Request, msg string, data interface{}) {
	render.JSON(w, r, APIResponse{Status: 0, Msg: msg, Data: data})
}

func respondCreated(w http.ResponseWriter, r *http.Request, msg string, data interface{}) {
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, APIResponse{Status: 0, Msg: msg, Data: data})
}

func respondBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, APIResponse{Status: http.StatusBadRequest, Msg: msg})
}

// respondError 按错误类型映射 HTTP 状态码
func respondError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	respondErrorData(w, r, msg, err, nil)
}

// respondErrorData 同 respondError，附带已完成部分的数据
func respondErrorData(w http.ResponseWriter, r *http.Request, msg string, err error, data interface{}) {
	status := statusOf(err)
	resp := APIResponse{Status: status, Msg: msg, Data: data}
	var verr *utils.ValidationError
	switch {
	case errors.As(err, &verr):
		resp.Msg = msg + ": " + verr.Error()
		resp.Data = verr.Fields
	case status == http.StatusInternalServerError:
		slog.Error(msg, "path", r.URL.Path, "error", err)
	default:
		resp.Msg = msg + ": " + err.Error()
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}

func statusOf(err error) int {
	var verr *utils.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, errMissingTenant),
		errors.Is(err, verification.ErrUnknownRollbackStrategy),
		errors.Is(err, delivery.ErrUnsupportedTargetType),
		errors.Is(err, delivery.ErrCapabilityNotSupported),
		errors.Is(err, change_detect.ErrUnsupportedCategory):
		return http.StatusBadRequest
	case errors.Is(err, push_target.ErrTargetNotFound),
		errors.Is(err, push_target.ErrRouteNotFound),
		errors.Is(err, verification.ErrRuleNotFound),
		errors.Is(err, verification.ErrConfirmationNotFound),
		errors.Is(err, verification.ErrRollbackNotFound),
		errors.Is(err, push_pipeline.ErrPushNotFound),
		errors.Is(err, change_detect.ErrSourceNotFound),
		errors.Is(err, change_detect.ErrPolicyNotFound):
		return http.StatusNotFound
	case errors.Is(err, verification.ErrRollbackNotAllowed),
		errors.Is(err, verification.ErrRollbackState),
		errors.Is(err, verification.ErrManualRollback),
		errors.Is(err, verification.ErrConfirmationExists),
		errors.Is(err, change_detect.ErrDetectionInProgress),
		errors.Is(err, push_pipeline.ErrPushRejected),
		errors.Is(err, distributed_lock.ErrLockHeld),
		errors.Is(err, distributed_lock.ErrLockLost):
		return http.StatusConflict
	case errors.Is(err, push_target.ErrNoTargetsAvailable),
		errors.Is(err, push_router.ErrCircuitOpen),
		errors.Is(err, monitor_client.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, push_pipeline.ErrPushFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// callerOf 读取调用方身份，租户为空时返回错误
func callerOf(r *http.Request) (middleware.Identity, error) {
	identity, _ := middleware.GetIdentity(r.Context())
	if identity.TenantID == "" {
		return identity, errMissingTenant
	}
	return identity, nil
}

func actorOf(identity middleware.Identity) audit.Actor {
	if identity.ID == "" {
		return audit.UserActor("anonymous")
	}
	return audit.UserActor(identity.ID)
}

// decodeJSON 解析请求体，失败时直接写回 400
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		respondBadRequest(w, r, "请求参数格式错误")
		return false
	}
	return true
}
