package recovery

import (
	"encoding/json"
	"os"
	"strings"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/flow"
)

// Alternative 描述一条替换规则：当某工具的失败原因命中指纹时，
// 用改写后的步骤替换原步骤再试一次。
type Alternative struct {
	// Tool 限定规则适用的工具，空值匹配所有工具。
	Tool string `json:"tool,omitempty"`
	// ErrorContains 是失败原因里的指纹子串，大小写不敏感。
	ErrorContains string `json:"error_contains"`
	// SubstituteTool 非空时替换步骤的工具。
	SubstituteTool string `json:"substitute_tool,omitempty"`
	// ParamOverrides 覆盖替代步骤的参数。
	ParamOverrides map[string]string `json:"param_overrides,omitempty"`
	// Description 解释这条规则，会写进替代步骤的描述。
	Description string `json:"description,omitempty"`
}

// Catalog 是替代规则集。内置规则覆盖常见的链上失败指纹，
// 可通过 JSON 文件追加项目自有规则。
type Catalog struct {
	entries []Alternative
}

// NewCatalog 返回带内置规则的规则集。
func NewCatalog() *Catalog {
	return &Catalog{entries: builtinAlternatives()}
}

func builtinAlternatives() []Alternative {
	return []Alternative{
		{
			Tool:           "swap",
			ErrorContains:  "liquidity exceeded",
			ParamOverrides: map[string]string{"protocol": "sushiswap"},
			Description:    "流动性不足时改走备用协议",
		},
		{
			Tool:           "swap",
			ErrorContains:  "route unavailable",
			ParamOverrides: map[string]string{"protocol": "curve"},
			Description:    "无可用路由时改走备用协议",
		},
		{
			Tool:           "deposit",
			ErrorContains:  "protocol paused",
			ParamOverrides: map[string]string{"protocol": "compound"},
			Description:    "协议暂停时改存备用协议",
		},
	}
}

// LoadCatalog 从 JSON 文件加载规则并叠加在内置规则之后。
func LoadCatalog(path string) (*Catalog, error) {
	catalog := NewCatalog()
	if strings.TrimSpace(path) == "" {
		return catalog, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取替代规则文件失败")
	}
	var loaded []Alternative
	if err := json.Unmarshal(content, &loaded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析替代规则文件失败")
	}
	for _, entry := range loaded {
		if strings.TrimSpace(entry.ErrorContains) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "替代规则缺少错误指纹")
		}
	}
	catalog.entries = append(catalog.entries, loaded...)
	return catalog, nil
}

// Find 按失败原因匹配替代步骤。命中时返回改写后的步骤：序号不变,
// ID 追加 -alt 后缀以与原步骤区分，参数在原步骤基础上覆盖。
func (c *Catalog) Find(step flow.FlowStep, cause string) (flow.FlowStep, bool) {
	if c == nil {
		return flow.FlowStep{}, false
	}
	lowered := strings.ToLower(cause)
	for _, entry := range c.entries {
		if entry.Tool != "" && !strings.EqualFold(entry.Tool, step.ExpectedTool) {
			continue
		}
		if !strings.Contains(lowered, strings.ToLower(entry.ErrorContains)) {
			continue
		}

		substitute := flow.CloneStep(step)
		substitute.ID = step.ID + "-alt"
		if entry.SubstituteTool != "" {
			substitute.ExpectedTool = entry.SubstituteTool
		}
		if substitute.Params == nil {
			substitute.Params = map[string]string{}
		}
		for key, value := range entry.ParamOverrides {
			substitute.Params[key] = value
		}
		if entry.Description != "" {
			substitute.Description = step.Description + " (" + entry.Description + ")"
		}
		return substitute, true
	}
	return flow.FlowStep{}, false
}

// Size 返回规则条数。
func (c *Catalog) Size() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}
