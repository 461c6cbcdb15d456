package push_router

import (
	"datapush-service/service/meta"
	"datapush-service/service/models"
)

// SplitByWeight 按目标权重比例拆分变更列表，最后一个目标吸收取整余数
func SplitByWeight(changes []models.ChangeRecord, targets []models.PushTarget) [][]models.ChangeRecord {
	if len(targets) == 0 {
		return nil
	}
	total := 0
	for _, t := range targets {
		total += t.EffectiveWeight()
	}

	parts := make([][]models.ChangeRecord, len(targets))
	offset := 0
	for i, t := range targets {
		if i == len(targets)-1 {
			parts[i] = changes[offset:]
			break
		}
		size := len(changes) * t.EffectiveWeight() / total
		parts[i] = changes[offset : offset+size]
		offset += size
	}
	return parts
}

// ChangesByTarget 按执行策略还原每个目标实际收到的变更
func (d *RoutingDecision) ChangesByTarget(changes []models.ChangeRecord) map[string][]models.ChangeRecord {
	out := make(map[string][]models.ChangeRecord, len(d.Targets))
	if d.ExecutionStrategy == meta.ExecutionLoadBalanced {
		for i, part := range SplitByWeight(changes, d.Targets) {
			out[d.Targets[i].ID] = part
		}
		return out
	}
	for _, t := range d.Targets {
		out[t.ID] = changes
	}
	return out
}
