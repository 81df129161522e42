package policy

// Params 规则表中的可调参数；由 YAML 文件加载，缺省取 DefaultParams。
type Params struct {
	Underscan UnderscanParams `yaml:"underscan"`
	Replenish ReplenishParams `yaml:"replenish"`
	Markdown  MarkdownParams  `yaml:"markdown"`
}

// UnderscanParams POS_UNDERSCAN：confidence >= MinConfidence 且 delta >= MinDelta 时需确认放行。
type UnderscanParams struct {
	MinConfidence float64 `yaml:"min_confidence"`
	MinDelta      float64 `yaml:"min_delta"`
}

// ReplenishParams REPLENISH_TASK：backroomStock > MinBackroomStock 时自动放行。
type ReplenishParams struct {
	MinBackroomStock float64 `yaml:"min_backroom_stock"`
}

// MarkdownParams MARKDOWN：折扣上限与受限品类。
type MarkdownParams struct {
	MaxDiscountPct       float64  `yaml:"max_discount_pct"`
	RestrictedCategories []string `yaml:"restricted_categories"`
}

// DefaultParams 内置默认值。
func DefaultParams() Params {
	return Params{
		Underscan: UnderscanParams{MinConfidence: 0.9, MinDelta: 1},
		Replenish: ReplenishParams{MinBackroomStock: 0},
		Markdown: MarkdownParams{
			MaxDiscountPct:       40,
			RestrictedCategories: []string{"alcohol", "tobacco", "pharmacy", "infant_formula"},
		},
	}
}
