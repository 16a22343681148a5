package web3

import (
	"context"
	"strings"

	xerrors "ChainFlow-Eval/internal/errors"
)

// ToolKind 是编排器可见的封闭工具枚举。编排核心只关心工具名与成败，
// 协议细节全部留在执行器实现内部。
type ToolKind string

const (
	ToolTransfer ToolKind = "transfer"
	ToolSwap     ToolKind = "swap"
	ToolDeposit  ToolKind = "deposit"
	ToolBalance  ToolKind = "balance"
)

// ParseToolKind 在协作方边界把自由文本工具名解析为封闭枚举。
func ParseToolKind(raw string) (ToolKind, error) {
	switch ToolKind(strings.ToLower(strings.TrimSpace(raw))) {
	case ToolTransfer:
		return ToolTransfer, nil
	case ToolSwap:
		return ToolSwap, nil
	case ToolDeposit:
		return ToolDeposit, nil
	case ToolBalance:
		return ToolBalance, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未知的工具: "+raw)
	}
}

// KnownTools 返回全部受支持的工具名，供智能体提示使用。
func KnownTools() []ToolKind {
	return []ToolKind{ToolTransfer, ToolSwap, ToolDeposit, ToolBalance}
}

// ToolCall 是一次具体的工具调用请求。Amount 使用十进制字符串，
// 以链上最小单位计。
type ToolCall struct {
	Kind     ToolKind `json:"kind"`
	From     string   `json:"from"`
	To       string   `json:"to,omitempty"`
	Asset    string   `json:"asset,omitempty"`
	Amount   string   `json:"amount,omitempty"`
	Protocol string   `json:"protocol,omitempty"`
}

// ToolOutcome 汇总一次工具调用在链上产生的可观察结果。
type ToolOutcome struct {
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber string `json:"block_number,omitempty"`
	Output      string `json:"output,omitempty"`
}

// AccountSnapshot 是某一时刻账户余额与仓位的快照，供评分使用。
type AccountSnapshot struct {
	ChainID     string            `json:"chain_id"`
	BlockNumber string            `json:"block_number"`
	Balances    map[string]string `json:"balances"`
	Positions   map[string]string `json:"positions,omitempty"`
}

// Executor 定义了工具执行协作方必须提供的能力。编排器对返回内容
// 只做透传，不解释协议细节。
type Executor interface {
	Execute(ctx context.Context, call ToolCall) (ToolOutcome, error)
	Snapshot(ctx context.Context, addresses []string) (AccountSnapshot, error)
	Close()
}
