package flow

import (
	"fmt"

	xerrors "ChainFlow-Eval/internal/errors"
)

// ValidatePlan 校验计划的结构不变量：序号从零连续递增、步骤 ID 唯一、
// 依赖只能指向更早的步骤。规划器产物必须先通过此校验再进入执行器。
func ValidatePlan(plan *FlowPlan) error {
	if plan == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plan 不能为空")
	}
	if len(plan.Steps) == 0 {
		return xerrors.New(CodePlanningFailed, "计划不包含任何步骤")
	}

	seen := make(map[string]int, len(plan.Steps))
	for i, step := range plan.Steps {
		if step.ID == "" {
			return xerrors.New(CodePlanningFailed, fmt.Sprintf("步骤 %d 缺少 ID", i))
		}
		if step.Ordinal != i {
			return xerrors.New(CodePlanningFailed,
				fmt.Sprintf("步骤 %s 的序号 %d 与位置 %d 不一致", step.ID, step.Ordinal, i))
		}
		if _, ok := seen[step.ID]; ok {
			return xerrors.New(CodePlanningFailed, fmt.Sprintf("步骤 ID %s 重复", step.ID))
		}
		for _, dep := range step.DependsOn {
			depOrdinal, ok := seen[dep]
			if !ok {
				return xerrors.New(CodePlanningFailed,
					fmt.Sprintf("步骤 %s 依赖了未出现在其之前的步骤 %s", step.ID, dep))
			}
			if depOrdinal >= step.Ordinal {
				return xerrors.New(CodePlanningFailed,
					fmt.Sprintf("步骤 %s 依赖了不早于自身的步骤 %s", step.ID, dep))
			}
		}
		seen[step.ID] = step.Ordinal
	}
	return nil
}
