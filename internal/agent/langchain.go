package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/web3"
)

// LangChainDecider 把决策委托给 langchaingo 的任意模型实现。
// 模型每回合只被要求输出一个 JSON 工具调用，历史结果随提示词传入。
type LangChainDecider struct {
	model       llms.Model
	temperature float64
}

// NewLangChainDecider 创建基于大模型的智能体。
func NewLangChainDecider(model llms.Model, temperature float64) *LangChainDecider {
	return &LangChainDecider{model: model, temperature: temperature}
}

type modelDecision struct {
	Tool      string `json:"tool"`
	To        string `json:"to,omitempty"`
	Asset     string `json:"asset,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// Decide 实现 Decider。
func (d *LangChainDecider) Decide(ctx context.Context, sc StepContext) (Decision, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt()),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt(sc)),
	}
	resp, err := d.model.GenerateContent(ctx, messages,
		llms.WithTemperature(d.temperature),
		llms.WithJSONMode(),
	)
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeAgentFailure, err, "模型调用失败", xerrors.WithRetryable(true))
	}
	if len(resp.Choices) == 0 {
		return Decision{}, xerrors.New(xerrors.CodeAgentFailure, "模型未返回任何候选", xerrors.WithRetryable(true))
	}

	parsed, err := parseModelDecision(resp.Choices[0].Content)
	if err != nil {
		return Decision{}, err
	}
	kind, err := web3.ParseToolKind(parsed.Tool)
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeAgentFailure, err, "模型选择了未知工具")
	}
	return Decision{
		Call: web3.ToolCall{
			Kind:     kind,
			From:     sc.Wallet.Address,
			To:       parsed.To,
			Asset:    parsed.Asset,
			Amount:   parsed.Amount,
			Protocol: parsed.Protocol,
		},
		Rationale: parsed.Rationale,
	}, nil
}

func systemPrompt() string {
	tools := make([]string, 0, 4)
	for _, kind := range web3.KnownTools() {
		tools = append(tools, string(kind))
	}
	return "You are a blockchain operations agent. For each step you must pick exactly one tool from [" +
		strings.Join(tools, ", ") + "] and reply with a single JSON object: " +
		`{"tool":"...","to":"...","asset":"...","amount":"...","protocol":"...","rationale":"..."}. ` +
		"Amounts are decimal strings in the chain's smallest unit. Omit fields that do not apply."
}

func userPrompt(sc StepContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User request: %s\n", sc.Request)
	fmt.Fprintf(&sb, "Wallet: %s (chain %s)\n", sc.Wallet.Address, sc.Wallet.ChainID)
	fmt.Fprintf(&sb, "Current step %d: %s\n", sc.Step.Ordinal, sc.Step.Description)
	if sc.Step.ExpectedTool != "" {
		fmt.Fprintf(&sb, "Suggested tool: %s\n", sc.Step.ExpectedTool)
	}
	if sc.Attempt > 0 {
		fmt.Fprintf(&sb, "This is retry attempt %d. Previous error: %s\n", sc.Attempt, sc.LastError)
	}
	if len(sc.History) > 0 {
		sb.WriteString("Earlier step results:\n")
		for _, result := range sc.History {
			fmt.Fprintf(&sb, "- step %d %s via %s: %s\n", result.Ordinal, result.Status, result.Tool, result.Output)
		}
	}
	sb.WriteString("Reply with the JSON tool call only.")
	return sb.String()
}

// parseModelDecision 容忍模型在 JSON 周围输出额外文字，截取首个对象解析。
func parseModelDecision(content string) (modelDecision, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return modelDecision{}, xerrors.New(xerrors.CodeAgentFailure, "模型输出不含 JSON 对象: "+content)
	}
	var parsed modelDecision
	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return modelDecision{}, xerrors.Wrap(xerrors.CodeAgentFailure, err, "解析模型输出失败")
	}
	return parsed, nil
}

var _ Decider = (*LangChainDecider)(nil)
