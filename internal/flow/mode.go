package flow

import (
	"strings"

	xerrors "ChainFlow-Eval/internal/errors"
)

// AtomicMode 决定恢复耗尽后的流程走向，在规划阶段随计划确定。
type AtomicMode string

const (
	// ModeStrict 下任何步骤恢复耗尽都会中止流程。
	ModeStrict AtomicMode = "strict"
	// ModeLenient 下流程总是继续，失败步骤仅被记录。
	ModeLenient AtomicMode = "lenient"
	// ModeConditional 下仅关键步骤的失败会中止流程。
	ModeConditional AtomicMode = "conditional"
)

// DefaultMode 是未显式指定时的原子模式。
const DefaultMode = ModeStrict

// ParseAtomicMode 将外部输入解析为原子模式，空值回落到默认。
func ParseAtomicMode(raw string) (AtomicMode, error) {
	switch AtomicMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return DefaultMode, nil
	case ModeStrict:
		return ModeStrict, nil
	case ModeLenient:
		return ModeLenient, nil
	case ModeConditional:
		return ModeConditional, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未知的原子模式: "+raw)
	}
}

// ShouldAbort 是纯查表：给定模式与步骤是否关键，返回恢复耗尽后
// 是否中止流程。执行器每次恢复耗尽只咨询一次。
func (m AtomicMode) ShouldAbort(critical bool) bool {
	switch m {
	case ModeLenient:
		return false
	case ModeConditional:
		return critical
	default:
		// strict 以及任何未识别的值都按最严格处理。
		return true
	}
}
