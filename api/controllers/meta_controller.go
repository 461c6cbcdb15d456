package controllers

import (
	"net/http"

	"datapush-service/service/meta"
)

type MetaController struct {
}

func NewMetaController() *MetaController {
	return &MetaController{}
}

// GetTargetTypes 获取推送目标类型元数据
func (c *MetaController) GetTargetTypes(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, "获取推送目标类型元数据成功", meta.PushTargetTypes)
}

// GetLoadBalancingStrategies 获取负载均衡策略元数据
func (c *MetaController) GetLoadBalancingStrategies(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, "获取负载均衡策略元数据成功", meta.LoadBalancingStrategies)
}

// GetVerificationRuleTypes 获取校验规则类型元数据
func (c *MetaController) GetVerificationRuleTypes(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, "获取校验规则类型元数据成功", meta.VerificationRuleTypes)
}
