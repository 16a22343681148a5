package recovery

import (
	"errors"
	"math"
	"time"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/flow"
)

// Delay 计算第 n 次重试前的等待时长：min(base * multiplier^n, maxDelay)。
// n 从 0 开始计。
func Delay(cfg Config, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	cfg = cfg.withDefaults()
	scaled := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(n))
	if scaled > float64(cfg.MaxDelay) || math.IsInf(scaled, 1) {
		return cfg.MaxDelay
	}
	return time.Duration(scaled)
}

// IsTransient 判断步骤失败是否为瞬时错误。判定依据是错误码注册表
// 的 Retryable 属性，超时一律视为瞬时。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, flow.ErrStepTimeout) {
		return true
	}
	return xerrors.RetryableError(err)
}
