package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/flow"
)

// MemoryStore 是进程内存储驱动，用于测试与单机评估。
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	order        []string
	attempts     map[string]struct{}
	consolidated map[string]ConsolidatedSession
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]*Session),
		attempts:     make(map[string]struct{}),
		consolidated: make(map[string]ConsolidatedSession),
	}
}

func attemptKey(executionID string, ordinal, attempt int) string {
	return fmt.Sprintf("%s/%d/%d", executionID, ordinal, attempt)
}

// CreateSession 实现 Store。
func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话缺少 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话已存在: "+s.ID)
	}
	clone := cloneSession(s)
	m.sessions[s.ID] = clone
	m.order = append(m.order, s.ID)
	return nil
}

// GetSession 实现 Store。
func (m *MemoryStore) GetSession(_ context.Context, executionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[executionID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "会话不存在: "+executionID)
	}
	return cloneSession(s), nil
}

// ListSessions 实现 Store，按创建顺序倒序返回。
func (m *MemoryStore) ListSessions(_ context.Context, opts ListOptions) ([]*Session, error) {
	opts = opts.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*Session, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		s := m.sessions[m.order[i]]
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		matched = append(matched, s)
	}
	if opts.Offset >= len(matched) {
		return []*Session{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	out := make([]*Session, 0, len(matched))
	for _, s := range matched {
		out = append(out, cloneSession(s))
	}
	return out, nil
}

// FinalizeSession 实现 Store。
func (m *MemoryStore) FinalizeSession(_ context.Context, executionID string, status flow.ExecutionStatus, score *float64, errDetail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[executionID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "会话不存在: "+executionID)
	}
	s.Status = status
	s.Error = errDetail
	if score != nil {
		v := *score
		s.Score = &v
	}
	s.FinishedAt = nowMilli()
	return nil
}

// AppendStep 实现 Store。同一 (执行 ID, 序号, 尝试) 只允许写入一次。
func (m *MemoryStore) AppendStep(_ context.Context, executionID string, result flow.StepResult) error {
	if !flow.IsValidStepStatus(result.Status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "非法的步骤状态: "+string(result.Status))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[executionID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "会话不存在: "+executionID)
	}
	key := attemptKey(executionID, result.Ordinal, result.Attempt)
	if _, dup := m.attempts[key]; dup {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("步骤结果重复写入: 序号 %d 尝试 %d", result.Ordinal, result.Attempt))
	}
	m.attempts[key] = struct{}{}
	result.ExecutionID = executionID
	s.Steps = append(s.Steps, result)
	return nil
}

// ListSteps 实现 Store，按 (序号, 尝试) 升序返回全部尝试。
func (m *MemoryStore) ListSteps(_ context.Context, executionID string) ([]flow.StepResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[executionID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "会话不存在: "+executionID)
	}
	out := append([]flow.StepResult(nil), s.Steps...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

// AppendRecovery 实现 Store。
func (m *MemoryStore) AppendRecovery(_ context.Context, executionID string, attempt flow.RecoveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[executionID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "会话不存在: "+executionID)
	}
	attempt.ExecutionID = executionID
	s.Recoveries = append(s.Recoveries, attempt)
	return nil
}

// SaveConsolidated 实现 Store。
func (m *MemoryStore) SaveConsolidated(_ context.Context, c ConsolidatedSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[c.ExecutionID]; !ok {
		return xerrors.New(xerrors.CodeNotFound, "会话不存在: "+c.ExecutionID)
	}
	c.Steps = append([]flow.StepResult(nil), c.Steps...)
	m.consolidated[c.ExecutionID] = c
	return nil
}

// GetConsolidated 实现 Store。
func (m *MemoryStore) GetConsolidated(_ context.Context, executionID string) (ConsolidatedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.consolidated[executionID]
	if !ok {
		return ConsolidatedSession{}, xerrors.New(xerrors.CodeNotFound, "会话尚未归并: "+executionID)
	}
	c.Steps = append([]flow.StepResult(nil), c.Steps...)
	return c, nil
}

// Stats 实现 Store。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		Total:        len(m.sessions),
		ByStatus:     make(map[flow.ExecutionStatus]int),
		Consolidated: len(m.consolidated),
	}
	scored := 0
	var sum float64
	for _, s := range m.sessions {
		stats.ByStatus[s.Status]++
		if s.Score != nil {
			scored++
			sum += *s.Score
		}
	}
	if scored > 0 {
		stats.AverageScore = sum / float64(scored)
	}
	return stats, nil
}

// Close 实现 Store。
func (m *MemoryStore) Close() error { return nil }

func cloneSession(s *Session) *Session {
	clone := *s
	clone.Steps = append([]flow.StepResult(nil), s.Steps...)
	clone.Recoveries = append([]flow.RecoveryAttempt(nil), s.Recoveries...)
	if s.Score != nil {
		v := *s.Score
		clone.Score = &v
	}
	return &clone
}

var _ Store = (*MemoryStore)(nil)
