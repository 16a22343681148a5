package recovery

import "time"

// Config 汇总恢复子系统的全部可调参数。零值字段会在 withDefaults
// 中回落到默认值，调用方只需设置关心的项。
type Config struct {
	// BaseDelay 是首次重试前的等待时长。
	BaseDelay time.Duration
	// MaxDelay 是单次重试等待的上限。
	MaxDelay time.Duration
	// Multiplier 是指数退避的倍率。
	Multiplier float64
	// MaxAttempts 是单个步骤的总尝试次数，含首次执行。
	MaxAttempts int
	// Budget 是整条流程可用于恢复的总时间预算，退避等待与每次
	// 尝试的执行耗时都计入。
	Budget time.Duration
	// EnableAlternatives 控制替代步骤策略，默认开启。
	EnableAlternatives *bool
	// EnableUserFulfillment 控制用户补全策略，默认关闭。
	EnableUserFulfillment bool
}

const (
	defaultBaseDelay   = 1000 * time.Millisecond
	defaultMaxDelay    = 10000 * time.Millisecond
	defaultMultiplier  = 2.0
	defaultMaxAttempts = 3
	defaultBudget      = 30000 * time.Millisecond
)

// DefaultConfig 返回全默认的恢复配置。
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = defaultMultiplier
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Budget <= 0 {
		c.Budget = defaultBudget
	}
	if c.EnableAlternatives == nil {
		enabled := true
		c.EnableAlternatives = &enabled
	}
	return c
}

// AlternativesEnabled 报告替代步骤策略是否开启。
func (c Config) AlternativesEnabled() bool {
	return c.EnableAlternatives == nil || *c.EnableAlternatives
}
