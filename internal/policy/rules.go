package policy

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"lossguard/internal/models"
)

// Rule 单条规则：谓词命中时返回 Decision。同类型规则按顺序求值，第一条命中即返回。
type Rule struct {
	ID       string
	Match    func(a *models.Action, p *Params) bool
	Decision models.Decision
}

// 未识别类型的兜底决策。
var defaultDeny = models.Decision{
	Allow:        false,
	Severity:     models.SeverityLow,
	Reason:       "no policy",
	PolicyRuleID: "default",
}

func always(*models.Action, *Params) bool { return true }

// ruleTable 每种 Action 类型的有序规则；每组末条恒命中。
var ruleTable = map[models.ActionType][]Rule{
	models.ActionPOSUnderscan: {
		{
			ID: "underscan-confirm",
			Match: func(a *models.Action, p *Params) bool {
				delta, ok := number(a.Payload, "delta")
				return ok && finite(a.Confidence) &&
					a.Confidence >= p.Underscan.MinConfidence && delta >= p.Underscan.MinDelta
			},
			Decision: models.Decision{Allow: true, RequireConfirm: true, Severity: models.SeverityMedium, Reason: "underscan confirmed by vision"},
		},
		{
			ID:       "underscan-deny",
			Match:    always,
			Decision: models.Decision{Allow: false, Severity: models.SeverityLow, Reason: "insufficient confidence"},
		},
	},
	models.ActionReplenishTask: {
		{
			ID: "replenish-allow",
			Match: func(a *models.Action, p *Params) bool {
				stock, ok := number(a.Context, "backroomStock", "backroom_stock")
				return ok && stock > p.Replenish.MinBackroomStock
			},
			Decision: models.Decision{Allow: true, RequireConfirm: false, Severity: models.SeverityLow, Reason: "backroom stock available"},
		},
		{
			ID:       "replenish-deny",
			Match:    always,
			Decision: models.Decision{Allow: false, Severity: models.SeverityLow, Reason: "no backroom stock"},
		},
	},
	models.ActionMarkdown: {
		{
			ID: "markdown-cap",
			Match: func(a *models.Action, p *Params) bool {
				pct, _ := number(a.Payload, "discountPct", "discount_pct")
				return pct > p.Markdown.MaxDiscountPct
			},
			Decision: models.Decision{Allow: false, Severity: models.SeverityHigh, Reason: "exceeds policy cap"},
		},
		{
			ID: "markdown-restricted",
			Match: func(a *models.Action, p *Params) bool {
				cat, ok := a.Payload["category"].(string)
				if !ok {
					return false
				}
				for _, r := range p.Markdown.RestrictedCategories {
					if strings.EqualFold(strings.TrimSpace(cat), r) {
						return true
					}
				}
				return false
			},
			Decision: models.Decision{Allow: false, Severity: models.SeverityHigh, Reason: "restricted category"},
		},
		{
			// 折扣缺失或无效仍走人工确认，原因中注明
			ID: "markdown-unpriced",
			Match: func(a *models.Action, p *Params) bool {
				pct, ok := number(a.Payload, "discountPct", "discount_pct")
				return !ok || pct < 0
			},
			Decision: models.Decision{Allow: true, RequireConfirm: true, Severity: models.SeverityMedium, Reason: "discount missing or invalid"},
		},
		{
			ID:       "markdown-confirm",
			Match:    always,
			Decision: models.Decision{Allow: true, RequireConfirm: true, Severity: models.SeverityMedium, Reason: "markdown within policy"},
		},
	},
}

// number 依次查找 keys，接受 JSON 解码后的 float64、json.Number、整数与数字字符串；NaN/Inf 视为无效。
func number(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		var f float64
		switch n := v.(type) {
		case float64:
			f = n
		case float32:
			f = float64(n)
		case int:
			f = float64(n)
		case int32:
			f = float64(n)
		case int64:
			f = float64(n)
		case uint:
			f = float64(n)
		case uint32:
			f = float64(n)
		case uint64:
			f = float64(n)
		case json.Number:
			x, err := n.Float64()
			if err != nil {
				return 0, false
			}
			f = x
		case string:
			x, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return 0, false
			}
			f = x
		default:
			return 0, false
		}
		if !finite(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// LoadParams 从 path 加载 YAML 参数文件；path 为空或文件不存在时返回默认值。
// 文件中未出现的字段保留默认值。
func LoadParams(path string) (Params, error) {
	p := DefaultParams()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("policy rules read: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return DefaultParams(), fmt.Errorf("policy rules unmarshal: %w", err)
	}
	if err := p.validate(); err != nil {
		return DefaultParams(), err
	}
	return p, nil
}

func (p *Params) validate() error {
	if p.Underscan.MinConfidence < 0 || p.Underscan.MinConfidence > 1 {
		return fmt.Errorf("policy rules: underscan.min_confidence must be within [0,1]")
	}
	if p.Underscan.MinDelta < 1 {
		return fmt.Errorf("policy rules: underscan.min_delta must be >= 1")
	}
	if p.Markdown.MaxDiscountPct < 0 || p.Markdown.MaxDiscountPct > 100 {
		return fmt.Errorf("policy rules: markdown.max_discount_pct must be within [0,100]")
	}
	return nil
}
