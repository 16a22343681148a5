package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/flow"
)

// sqlStore 是 MySQL 与 SQLite 共用的关系型驱动实现。两种方言的
// 占位符一致，差异只在建表语句与连接参数，由各自的构造函数处理。
type sqlStore struct {
	db *sql.DB
}

// CreateSession 实现 Store。
func (s *sqlStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话缺少 ID")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, plan_id, request, mode, status, error, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.PlanID, sess.Request, string(sess.Mode), string(sess.Status),
		sess.Error, sess.CreatedAt, sess.FinishedAt)
	if err != nil {
		if isDuplicate(err) {
			return xerrors.New(xerrors.CodeInvalidArgument, "会话已存在: "+sess.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	return nil
}

// GetSession 实现 Store。
func (s *sqlStore) GetSession(ctx context.Context, executionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plan_id, request, mode, status, score, error, created_at, finished_at
		 FROM sessions WHERE id = ?`, executionID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	if sess.Steps, err = s.ListSteps(ctx, executionID); err != nil {
		return nil, err
	}
	if sess.Recoveries, err = s.listRecoveries(ctx, executionID); err != nil {
		return nil, err
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess  Session
		mode  string
		state string
		score sql.NullFloat64
	)
	err := row.Scan(&sess.ID, &sess.PlanID, &sess.Request, &mode, &state,
		&score, &sess.Error, &sess.CreatedAt, &sess.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, xerrors.New(xerrors.CodeNotFound, "会话不存在")
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	sess.Mode = flow.AtomicMode(mode)
	sess.Status = flow.ExecutionStatus(state)
	if score.Valid {
		sess.Score = &score.Float64
	}
	return &sess, nil
}

// ListSessions 实现 Store，按创建时间倒序。
func (s *sqlStore) ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error) {
	opts = opts.Normalize()
	query := `SELECT id, plan_id, request, mode, status, score, error, created_at, finished_at
		 FROM sessions`
	args := make([]any, 0, 3)
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话列表失败")
	}
	defer rows.Close()

	sessions := make([]*Session, 0, opts.Limit)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话列表失败")
	}
	return sessions, nil
}

// FinalizeSession 实现 Store。
func (s *sqlStore) FinalizeSession(ctx context.Context, executionID string, status flow.ExecutionStatus, score *float64, errDetail string) error {
	var scoreValue sql.NullFloat64
	if score != nil {
		scoreValue = sql.NullFloat64{Float64: *score, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, score = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), scoreValue, errDetail, time.Now().UnixMilli(), executionID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话终态失败")
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return xerrors.New(xerrors.CodeNotFound, "会话不存在: "+executionID)
	}
	return nil
}

// AppendStep 实现 Store。唯一索引保证同一 (执行 ID, 序号, 尝试)
// 只能写入一次。
func (s *sqlStore) AppendStep(ctx context.Context, executionID string, result flow.StepResult) error {
	if !flow.IsValidStepStatus(result.Status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "非法的步骤状态: "+string(result.Status))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_steps
		 (execution_id, step_id, ordinal, attempt, tool, params, output, status, error_detail, started_at_ms, ended_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		executionID, result.StepID, result.Ordinal, result.Attempt, result.Tool,
		result.Params, result.Output, string(result.Status), result.ErrorDetail,
		result.StartedAtMS, result.EndedAtMS)
	if err != nil {
		if isDuplicate(err) {
			return xerrors.New(xerrors.CodeInvalidArgument, "步骤结果重复写入")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入步骤结果失败")
	}
	return nil
}

// ListSteps 实现 Store。
func (s *sqlStore) ListSteps(ctx context.Context, executionID string) ([]flow.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, ordinal, attempt, tool, params, output, status, error_detail, started_at_ms, ended_at_ms
		 FROM session_steps WHERE execution_id = ? ORDER BY ordinal ASC, attempt ASC`, executionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询步骤结果失败")
	}
	defer rows.Close()

	results := make([]flow.StepResult, 0, 8)
	for rows.Next() {
		var (
			result flow.StepResult
			status string
		)
		if err := rows.Scan(&result.ExecutionID, &result.StepID, &result.Ordinal, &result.Attempt,
			&result.Tool, &result.Params, &result.Output, &status, &result.ErrorDetail,
			&result.StartedAtMS, &result.EndedAtMS); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取步骤结果失败")
		}
		result.Status = flow.StepStatus(status)
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历步骤结果失败")
	}
	return results, nil
}

// AppendRecovery 实现 Store。替代步骤以 JSON 存储。
func (s *sqlStore) AppendRecovery(ctx context.Context, executionID string, attempt flow.RecoveryAttempt) error {
	var substitute []byte
	if attempt.Substitute != nil {
		var err error
		substitute, err = json.Marshal(attempt.Substitute)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化替代步骤失败")
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_recoveries
		 (execution_id, step_id, ordinal, strategy, delay_ms, substitute, question, answer, outcome, cause, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		executionID, attempt.StepID, attempt.Ordinal, attempt.Strategy,
		attempt.Delay.Milliseconds(), string(substitute), attempt.Question, attempt.Answer,
		string(attempt.Outcome), attempt.Cause, attempt.OccurredAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入恢复记录失败")
	}
	return nil
}

func (s *sqlStore) listRecoveries(ctx context.Context, executionID string) ([]flow.RecoveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, ordinal, strategy, delay_ms, substitute, question, answer, outcome, cause, occurred_at
		 FROM session_recoveries WHERE execution_id = ? ORDER BY occurred_at ASC, id ASC`, executionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询恢复记录失败")
	}
	defer rows.Close()

	attempts := make([]flow.RecoveryAttempt, 0, 4)
	for rows.Next() {
		var (
			attempt    flow.RecoveryAttempt
			delayMS    int64
			substitute string
			outcome    string
		)
		if err := rows.Scan(&attempt.ExecutionID, &attempt.StepID, &attempt.Ordinal, &attempt.Strategy,
			&delayMS, &substitute, &attempt.Question, &attempt.Answer, &outcome,
			&attempt.Cause, &attempt.OccurredAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取恢复记录失败")
		}
		attempt.Delay = time.Duration(delayMS) * time.Millisecond
		attempt.Outcome = flow.RecoveryOutcome(outcome)
		if substitute != "" {
			var step flow.FlowStep
			if err := json.Unmarshal([]byte(substitute), &step); err == nil {
				attempt.Substitute = &step
			}
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历恢复记录失败")
	}
	return attempts, nil
}

// SaveConsolidated 实现 Store。重复归并时覆盖旧汇总。
func (s *sqlStore) SaveConsolidated(ctx context.Context, c ConsolidatedSession) error {
	toolCounts, err := json.Marshal(c.ToolCounts)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化工具统计失败")
	}
	steps, err := json.Marshal(c.Steps)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化步骤明细失败")
	}
	_, err = s.db.ExecContext(ctx,
		`REPLACE INTO consolidated_sessions
		 (execution_id, status, steps, step_count, attempt_count, success_rate, tool_counts, recovery_count, duration_ms, consolidated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ExecutionID, string(c.Status), string(steps), c.StepCount, c.AttemptCount, c.SuccessRate,
		string(toolCounts), c.RecoveryCount, c.DurationMS, c.ConsolidatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入归并汇总失败")
	}
	return nil
}

// GetConsolidated 实现 Store。
func (s *sqlStore) GetConsolidated(ctx context.Context, executionID string) (ConsolidatedSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id, status, steps, step_count, attempt_count, success_rate, tool_counts, recovery_count, duration_ms, consolidated_at
		 FROM consolidated_sessions WHERE execution_id = ?`, executionID)

	var (
		c          ConsolidatedSession
		status     string
		steps      string
		toolCounts string
	)
	err := row.Scan(&c.ExecutionID, &status, &steps, &c.StepCount, &c.AttemptCount, &c.SuccessRate,
		&toolCounts, &c.RecoveryCount, &c.DurationMS, &c.ConsolidatedAt)
	if err == sql.ErrNoRows {
		return ConsolidatedSession{}, xerrors.New(xerrors.CodeNotFound, "会话尚未归并: "+executionID)
	}
	if err != nil {
		return ConsolidatedSession{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取归并汇总失败")
	}
	c.Status = flow.ExecutionStatus(status)
	if steps != "" {
		_ = json.Unmarshal([]byte(steps), &c.Steps)
	}
	if toolCounts != "" {
		_ = json.Unmarshal([]byte(toolCounts), &c.ToolCounts)
	}
	return c, nil
}

// Stats 实现 Store。
func (s *sqlStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByStatus: make(map[flow.ExecutionStatus]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计会话状态失败")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取状态统计失败")
		}
		stats.ByStatus[flow.ExecutionStatus(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历状态统计失败")
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT AVG(score) FROM sessions WHERE score IS NOT NULL`).Scan(&avg); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计平均得分失败")
	}
	if avg.Valid {
		stats.AverageScore = avg.Float64
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM consolidated_sessions`).Scan(&stats.Consolidated); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计归并数量失败")
	}
	return stats, nil
}

// Close 实现 Store。
func (s *sqlStore) Close() error {
	return s.db.Close()
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "duplicate") || strings.Contains(text, "unique")
}
