// Package policy 提供纯函数式策略评估：Action -> Decision。
package policy

import "lossguard/internal/models"

// Engine 策略引擎接口。
// Decide 无 I/O、无副作用，相同输入恒得相同输出；从审计日志重放 Action 必须复现原 Decision。
// 未识别的类型或无法解析的负载一律拒绝（fail-closed），不返回错误。
type Engine interface {
	Decide(action models.Action) models.Decision
}
