package session

import "ChainFlow-Eval/internal/flow"

// ListOptions 控制会话列表查询的过滤与分页。
type ListOptions struct {
	// Status 非空时只返回该终态的会话。
	Status flow.ExecutionStatus
	// Limit 是单页条数，超出上限会被截断。
	Limit int
	// Offset 是跳过的条数。
	Offset int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Normalize 把分页参数收敛到合法区间。
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = defaultListLimit
	}
	if o.Limit > maxListLimit {
		o.Limit = maxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
