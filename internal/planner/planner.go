package planner

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/flow"
	"ChainFlow-Eval/internal/web3"
)

// Planner 把自由文本请求一次性编译为不可变计划。识别基于操作模式
// 匹配而非模型调用，保证同一请求总是产出同一份计划。
type Planner struct {
	defaultProtocol string
	stepTimeout     time.Duration
}

// Option 配置 Planner。
type Option func(*Planner)

// WithDefaultProtocol 设置 swap 未指明协议时的回落协议。
func WithDefaultProtocol(protocol string) Option {
	return func(p *Planner) { p.defaultProtocol = strings.ToLower(strings.TrimSpace(protocol)) }
}

// WithStepTimeout 设置计划中每个步骤的执行时限。
func WithStepTimeout(timeout time.Duration) Option {
	return func(p *Planner) {
		if timeout > 0 {
			p.stepTimeout = timeout
		}
	}
}

const defaultStepTimeout = 15 * time.Second

// New 创建 Planner。
func New(opts ...Option) *Planner {
	p := &Planner{stepTimeout: defaultStepTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Request 是一次规划请求。Wallet 会被快照进计划，之后链上变化
// 不再影响规划结果。
type Request struct {
	ID     string
	Raw    string
	Wallet flow.WalletContext
	Mode   flow.AtomicMode
}

// Plan 把请求拆分为顺序步骤。任何无法识别或参数缺失的子句都会
// 让整次规划同步失败，不会产出半截计划。
func (p *Planner) Plan(req Request) (flow.FlowPlan, error) {
	raw := strings.TrimSpace(req.Raw)
	if raw == "" {
		return flow.FlowPlan{}, xerrors.Wrap(flow.CodePlanningFailed, flow.ErrPlanningFailed, "请求为空")
	}
	if strings.TrimSpace(req.Wallet.Address) == "" {
		return flow.FlowPlan{}, xerrors.Wrap(flow.CodePlanningFailed, flow.ErrPlanningFailed, "缺少钱包上下文")
	}

	planID := strings.TrimSpace(req.ID)
	if planID == "" {
		planID = uuid.NewString()
	}
	mode := req.Mode
	if mode == "" {
		mode = flow.DefaultMode
	}

	clauses := splitClauses(raw)
	steps := make([]flow.FlowStep, 0, len(clauses))
	refined := make([]string, 0, len(clauses))
	for _, clause := range clauses {
		step, summary, err := p.planClause(clause, len(steps), planID)
		if err != nil {
			return flow.FlowPlan{}, err
		}
		if len(steps) > 0 {
			step.DependsOn = []string{steps[len(steps)-1].ID}
		}
		steps = append(steps, step)
		refined = append(refined, summary)
	}

	plan := flow.FlowPlan{
		ID:             planID,
		RawRequest:     req.Raw,
		RefinedRequest: strings.Join(refined, "; "),
		Wallet:         flow.CloneWallet(req.Wallet),
		Mode:           mode,
		Steps:          steps,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if err := flow.ValidatePlan(&plan); err != nil {
		return flow.FlowPlan{}, err
	}
	return plan, nil
}

var (
	clauseSplitter = regexp.MustCompile(`(?i)\s*(?:;|,\s*then\b|\bthen\b|\band then\b)\s*`)

	amountPattern   = regexp.MustCompile(`(?i)\b([0-9]+(?:\.[0-9]+)?)\s*(eth|wei|gwei)?\b`)
	addressPattern  = regexp.MustCompile(`0x[0-9a-fA-F]{40}`)
	transferPattern = regexp.MustCompile(`(?i)\b(send|transfer|pay)\b`)
	swapPattern     = regexp.MustCompile(`(?i)\b(swap|exchange|convert)\b`)
	swapAsset       = regexp.MustCompile(`(?i)\b(?:for|into|to)\s+([A-Za-z]{2,10})\b`)
	depositPattern  = regexp.MustCompile(`(?i)\b(deposit|stake|supply|lend)\b`)
	protocolPhrase  = regexp.MustCompile(`(?i)\b(?:on|via|into|in)\s+([A-Za-z][A-Za-z0-9_-]{1,31})\b`)
	balancePattern  = regexp.MustCompile(`(?i)\b(balance|holdings?|how much)\b`)
)

func splitClauses(raw string) []string {
	parts := clauseSplitter.Split(raw, -1)
	clauses := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(strings.Trim(part, ".,"))
		if part != "" {
			clauses = append(clauses, part)
		}
	}
	return clauses
}

func (p *Planner) planClause(clause string, ordinal int, planID string) (flow.FlowStep, string, error) {
	step := flow.FlowStep{
		ID:      fmt.Sprintf("%s-s%d", planID, ordinal),
		Ordinal: ordinal,
		Timeout: p.stepTimeout,
	}

	switch {
	case transferPattern.MatchString(clause):
		amount, err := extractAmount(clause)
		if err != nil {
			return flow.FlowStep{}, "", err
		}
		to := addressPattern.FindString(clause)
		if to == "" {
			return flow.FlowStep{}, "", planningError(clause, "transfer 缺少收款地址")
		}
		step.Description = clause
		step.ExpectedTool = string(web3.ToolTransfer)
		step.Critical = true
		step.Params = map[string]string{"to": to, "amount": amount}
		return step, fmt.Sprintf("transfer %s wei to %s", amount, to), nil

	case swapPattern.MatchString(clause):
		amount, err := extractAmount(clause)
		if err != nil {
			return flow.FlowStep{}, "", err
		}
		assetMatch := swapAsset.FindStringSubmatch(clause)
		if assetMatch == nil {
			return flow.FlowStep{}, "", planningError(clause, "swap 缺少目标资产")
		}
		asset := strings.ToUpper(assetMatch[1])
		protocol := extractProtocol(clause)
		if protocol == "" {
			protocol = p.defaultProtocol
		}
		if protocol == "" {
			return flow.FlowStep{}, "", planningError(clause, "swap 缺少协议且未配置默认协议")
		}
		step.Description = clause
		step.ExpectedTool = string(web3.ToolSwap)
		step.Critical = true
		step.Params = map[string]string{"asset": asset, "amount": amount, "protocol": protocol}
		return step, fmt.Sprintf("swap %s wei into %s via %s", amount, asset, protocol), nil

	case depositPattern.MatchString(clause):
		amount, err := extractAmount(clause)
		if err != nil {
			return flow.FlowStep{}, "", err
		}
		protocol := extractProtocol(clause)
		if protocol == "" {
			return flow.FlowStep{}, "", planningError(clause, "deposit 缺少协议")
		}
		step.Description = clause
		step.ExpectedTool = string(web3.ToolDeposit)
		step.Critical = true
		step.Params = map[string]string{"amount": amount, "protocol": protocol}
		return step, fmt.Sprintf("deposit %s wei into %s", amount, protocol), nil

	case balancePattern.MatchString(clause):
		step.Description = clause
		step.ExpectedTool = string(web3.ToolBalance)
		step.Critical = false
		step.Params = map[string]string{}
		return step, "check balance", nil

	default:
		return flow.FlowStep{}, "", planningError(clause, "无法识别的操作模式")
	}
}

func planningError(clause, reason string) error {
	return xerrors.Wrap(flow.CodePlanningFailed, flow.ErrPlanningFailed, reason+": "+clause)
}

var (
	weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	weiPerGwei  = new(big.Int).Exp(big.NewInt(10), big.NewInt(9), nil)
)

// extractAmount 把子句中的金额归一化为以 wei 计的十进制字符串。
// 无单位按 wei 理解；带小数的 eth/gwei 金额必须能整除到 wei。
func extractAmount(clause string) (string, error) {
	match := amountPattern.FindStringSubmatch(clause)
	if match == nil {
		return "", planningError(clause, "缺少金额")
	}
	value, unit := match[1], strings.ToLower(match[2])

	scale := big.NewInt(1)
	switch unit {
	case "eth":
		scale = weiPerEther
	case "gwei":
		scale = weiPerGwei
	}

	rat, ok := new(big.Rat).SetString(value)
	if !ok {
		return "", planningError(clause, "非法的金额")
	}
	rat.Mul(rat, new(big.Rat).SetInt(scale))
	if !rat.IsInt() {
		return "", planningError(clause, "金额精度超过 wei")
	}
	amount := rat.Num()
	if amount.Sign() <= 0 {
		return "", planningError(clause, "金额必须为正")
	}
	return amount.String(), nil
}

func extractProtocol(clause string) string {
	for _, match := range protocolPhrase.FindAllStringSubmatch(clause, -1) {
		candidate := strings.ToLower(match[1])
		// 跳过介词后面跟的是资产名的情况。
		switch candidate {
		case "eth", "wei", "gwei", "usdc", "usdt", "dai", "wbtc":
			continue
		}
		if strings.HasPrefix(candidate, "0x") {
			continue
		}
		return candidate
	}
	return ""
}
