package policy

import "lossguard/internal/models"

// StaticEngine 恒返回固定 Decision，供编排器装配与测试。
type StaticEngine struct {
	Decision models.Decision
}

func (s StaticEngine) Decide(action models.Action) models.Decision {
	return s.Decision
}
