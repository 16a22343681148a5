package validator

import (
	"fmt"
	"math"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/flow"
	"ChainFlow-Eval/internal/web3"
)

// 总分中指令遵循与链上结果的固定权重。
const (
	InstructionWeight = 0.75
	OutcomeWeight     = 0.25
)

// weightTolerance 是断言权重求和允许的浮点误差。
const weightTolerance = 1e-6

// Bundle 是一个场景的标准答案：指令遵循断言检查智能体按计划用对
// 了工具，结果断言检查链上终态。
type Bundle struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description,omitempty"`
	Instruction []InstructionAssertion `yaml:"instruction"`
	Outcome     []OutcomeAssertion     `yaml:"outcome"`
}

// InstructionAssertion 校验某个序号的权威步骤结果。
type InstructionAssertion struct {
	Ordinal int     `yaml:"ordinal"`
	Tool    string  `yaml:"tool"`
	Weight  float64 `yaml:"weight"`
}

// OutcomeAssertion 校验执行后快照里的某个数值。
// Kind 取值 balance_at_least、balance_at_most 或 position_at_least。
// ErrorTolerance 放宽比较边界：下限断言允许低出 tolerance，上限断言
// 允许高出 tolerance。缺省为零，即严格比较。
type OutcomeAssertion struct {
	Kind           string  `yaml:"kind"`
	Key            string  `yaml:"key"`
	Amount         string  `yaml:"amount"`
	ErrorTolerance string  `yaml:"error_tolerance,omitempty"`
	Weight         float64 `yaml:"weight"`
}

const (
	KindBalanceAtLeast  = "balance_at_least"
	KindBalanceAtMost   = "balance_at_most"
	KindPositionAtLeast = "position_at_least"
)

type bundleFile struct {
	Bundles []Bundle `yaml:"bundles"`
}

// LoadBundles 解析标准答案文件并校验全部不变量。任何一个包非法都
// 让加载整体失败，这是同步硬失败，不进入执行阶段。
func LoadBundles(path string) (map[string]Bundle, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(flow.CodeGroundTruthConfig, err, "读取标准答案文件失败")
	}
	var parsed bundleFile
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		return nil, xerrors.Wrap(flow.CodeGroundTruthConfig, err, "解析标准答案文件失败")
	}
	if len(parsed.Bundles) == 0 {
		return nil, xerrors.New(flow.CodeGroundTruthConfig, "标准答案文件为空")
	}

	bundles := make(map[string]Bundle, len(parsed.Bundles))
	for _, bundle := range parsed.Bundles {
		if err := validateBundle(bundle); err != nil {
			return nil, err
		}
		if _, dup := bundles[bundle.Name]; dup {
			return nil, xerrors.New(flow.CodeGroundTruthConfig, "标准答案包重名: "+bundle.Name)
		}
		bundles[bundle.Name] = bundle
	}
	return bundles, nil
}

func validateBundle(bundle Bundle) error {
	if strings.TrimSpace(bundle.Name) == "" {
		return xerrors.New(flow.CodeGroundTruthConfig, "标准答案包缺少名称")
	}
	if len(bundle.Instruction) == 0 && len(bundle.Outcome) == 0 {
		return xerrors.New(flow.CodeGroundTruthConfig, "标准答案包不含任何断言: "+bundle.Name)
	}

	if len(bundle.Instruction) > 0 {
		sum := 0.0
		for _, assertion := range bundle.Instruction {
			if assertion.Weight < 0 {
				return xerrors.New(flow.CodeGroundTruthConfig,
					fmt.Sprintf("%s: 指令断言权重为负", bundle.Name))
			}
			if _, err := web3.ParseToolKind(assertion.Tool); err != nil {
				return xerrors.Wrap(flow.CodeGroundTruthConfig, err,
					fmt.Sprintf("%s: 指令断言工具非法", bundle.Name))
			}
			sum += assertion.Weight
		}
		if math.Abs(sum-1.0) > weightTolerance {
			return xerrors.New(flow.CodeGroundTruthConfig,
				fmt.Sprintf("%s: 指令断言权重和为 %v, 应为 1.0", bundle.Name, sum))
		}
	}

	if len(bundle.Outcome) > 0 {
		sum := 0.0
		for _, assertion := range bundle.Outcome {
			if assertion.Weight < 0 {
				return xerrors.New(flow.CodeGroundTruthConfig,
					fmt.Sprintf("%s: 结果断言权重为负", bundle.Name))
			}
			switch assertion.Kind {
			case KindBalanceAtLeast, KindBalanceAtMost, KindPositionAtLeast:
			default:
				return xerrors.New(flow.CodeGroundTruthConfig,
					fmt.Sprintf("%s: 未知的结果断言类型 %q", bundle.Name, assertion.Kind))
			}
			if _, ok := new(big.Int).SetString(assertion.Amount, 10); !ok {
				return xerrors.New(flow.CodeGroundTruthConfig,
					fmt.Sprintf("%s: 结果断言金额非法 %q", bundle.Name, assertion.Amount))
			}
			if assertion.ErrorTolerance != "" {
				tolerance, ok := new(big.Int).SetString(assertion.ErrorTolerance, 10)
				if !ok || tolerance.Sign() < 0 {
					return xerrors.New(flow.CodeGroundTruthConfig,
						fmt.Sprintf("%s: 结果断言容差非法 %q", bundle.Name, assertion.ErrorTolerance))
				}
			}
			sum += assertion.Weight
		}
		if math.Abs(sum-1.0) > weightTolerance {
			return xerrors.New(flow.CodeGroundTruthConfig,
				fmt.Sprintf("%s: 结果断言权重和为 %v, 应为 1.0", bundle.Name, sum))
		}
	}
	return nil
}

// Result 是一次评分的完整结论。
type Result struct {
	Total       float64  `json:"total"`
	Instruction float64  `json:"instruction"`
	Outcome     float64  `json:"outcome"`
	Failures    []string `json:"failures,omitempty"`
}

// Score 对权威步骤结果与链上快照评分。纯函数：同样输入永远得到
// 同样输出。results 应当已按最新尝试筛选。
func Score(bundle Bundle, results []flow.StepResult, snapshot web3.AccountSnapshot) Result {
	result := Result{Instruction: 1.0, Outcome: 1.0}

	if len(bundle.Instruction) > 0 {
		byOrdinal := make(map[int]flow.StepResult, len(results))
		for _, step := range results {
			byOrdinal[step.Ordinal] = step
		}
		// 指令分只比对形状：智能体是否在该序号上调用了期望的工具。
		// 执行成败不在这里扣分，链上终态由结果断言负责。
		score := 0.0
		for _, assertion := range bundle.Instruction {
			step, ok := byOrdinal[assertion.Ordinal]
			switch {
			case !ok:
				result.Failures = append(result.Failures,
					fmt.Sprintf("instruction: 序号 %d 无权威结果", assertion.Ordinal))
			case !strings.EqualFold(step.Tool, assertion.Tool):
				result.Failures = append(result.Failures,
					fmt.Sprintf("instruction: 序号 %d 期望工具 %s, 实际 %s", assertion.Ordinal, assertion.Tool, step.Tool))
			default:
				score += assertion.Weight
			}
		}
		result.Instruction = clampScore(score)
	}

	if len(bundle.Outcome) > 0 {
		score := 0.0
		for _, assertion := range bundle.Outcome {
			if ok, reason := evalOutcome(assertion, snapshot); ok {
				score += assertion.Weight
			} else {
				result.Failures = append(result.Failures, "outcome: "+reason)
			}
		}
		result.Outcome = clampScore(score)
	}

	result.Total = InstructionWeight*result.Instruction + OutcomeWeight*result.Outcome
	return result
}

func evalOutcome(assertion OutcomeAssertion, snapshot web3.AccountSnapshot) (bool, string) {
	expected, _ := new(big.Int).SetString(assertion.Amount, 10)
	tolerance := new(big.Int)
	if assertion.ErrorTolerance != "" {
		tolerance, _ = new(big.Int).SetString(assertion.ErrorTolerance, 10)
	}

	var source map[string]string
	switch assertion.Kind {
	case KindPositionAtLeast:
		source = snapshot.Positions
	default:
		source = snapshot.Balances
	}
	raw, ok := source[assertion.Key]
	if !ok {
		return false, fmt.Sprintf("快照缺少键 %q", assertion.Key)
	}
	actual, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return false, fmt.Sprintf("快照值非法 %q=%q", assertion.Key, raw)
	}

	// 容差把比较边界向宽松方向平移。
	switch assertion.Kind {
	case KindBalanceAtMost:
		bound := new(big.Int).Add(expected, tolerance)
		if actual.Cmp(bound) <= 0 {
			return true, ""
		}
		return false, fmt.Sprintf("%q=%s 超过上限 %s", assertion.Key, actual, bound)
	default:
		bound := new(big.Int).Sub(expected, tolerance)
		if actual.Cmp(bound) >= 0 {
			return true, ""
		}
		return false, fmt.Sprintf("%q=%s 低于下限 %s", assertion.Key, actual, bound)
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
