package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/flow"
)

// Answerer 是用户补全策略的提问通道。实现方拿到一个自然语言问题,
// 返回 JSON 编码的参数覆盖，例如 {"protocol":"curve"}。
type Answerer interface {
	Answer(ctx context.Context, question string) (string, error)
}

// AnswererFunc 便于用函数字面量充当 Answerer。
type AnswererFunc func(ctx context.Context, question string) (string, error)

// Answer 实现 Answerer。
func (f AnswererFunc) Answer(ctx context.Context, question string) (string, error) {
	return f(ctx, question)
}

// fulfillmentQuestion 根据失败步骤构造给用户的问题。
func fulfillmentQuestion(step flow.FlowStep, cause string) string {
	return fmt.Sprintf(
		"步骤 %q(%s)执行失败：%s。请以 JSON 形式给出修正后的参数，例如 {\"amount\":\"...\"}。",
		step.Description, step.ExpectedTool, cause,
	)
}

// applyAnswer 把用户回答的参数覆盖应用到步骤副本上。
func applyAnswer(step flow.FlowStep, answer string) (flow.FlowStep, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return flow.FlowStep{}, xerrors.New(xerrors.CodeInvalidArgument, "用户未给出补全参数")
	}
	var overrides map[string]string
	if err := json.Unmarshal([]byte(answer), &overrides); err != nil {
		return flow.FlowStep{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析用户补全参数失败")
	}
	if len(overrides) == 0 {
		return flow.FlowStep{}, xerrors.New(xerrors.CodeInvalidArgument, "用户补全参数为空")
	}

	patched := flow.CloneStep(step)
	patched.ID = step.ID + "-uf"
	if patched.Params == nil {
		patched.Params = map[string]string{}
	}
	for key, value := range overrides {
		patched.Params[key] = value
	}
	return patched, nil
}
