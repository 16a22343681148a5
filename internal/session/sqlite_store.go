package session

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	xerrors "ChainFlow-Eval/internal/errors"
)

// SQLiteStore 是单机评估用的文件存储驱动，表结构在打开时自建。
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore 以 WAL 模式打开数据库文件并初始化表结构。
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 SQLite 数据库失败")
	}
	// SQLite 写串行化，限制单连接避免 database is locked。
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 SQLite 表结构失败")
	}
	return &SQLiteStore{sqlStore{db: db}}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	plan_id     TEXT NOT NULL DEFAULT '',
	request     TEXT NOT NULL DEFAULT '',
	mode        TEXT NOT NULL DEFAULT 'strict',
	status      TEXT NOT NULL DEFAULT 'pending',
	score       REAL,
	error       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL DEFAULT 0,
	finished_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS session_steps (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id  TEXT NOT NULL,
	step_id       TEXT NOT NULL,
	ordinal       INTEGER NOT NULL,
	attempt       INTEGER NOT NULL,
	tool          TEXT NOT NULL DEFAULT '',
	params        TEXT NOT NULL DEFAULT '',
	output        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error_detail  TEXT NOT NULL DEFAULT '',
	started_at_ms INTEGER NOT NULL DEFAULT 0,
	ended_at_ms   INTEGER NOT NULL DEFAULT 0,
	UNIQUE (execution_id, ordinal, attempt)
);

CREATE TABLE IF NOT EXISTS session_recoveries (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL,
	step_id      TEXT NOT NULL,
	ordinal      INTEGER NOT NULL,
	strategy     TEXT NOT NULL,
	delay_ms     INTEGER NOT NULL DEFAULT 0,
	substitute   TEXT NOT NULL DEFAULT '',
	question     TEXT NOT NULL DEFAULT '',
	answer       TEXT NOT NULL DEFAULT '',
	outcome      TEXT NOT NULL,
	cause        TEXT NOT NULL DEFAULT '',
	occurred_at  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS consolidated_sessions (
	execution_id    TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	steps           TEXT NOT NULL DEFAULT '[]',
	step_count      INTEGER NOT NULL DEFAULT 0,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	success_rate    REAL NOT NULL DEFAULT 0,
	tool_counts     TEXT NOT NULL DEFAULT '{}',
	recovery_count  INTEGER NOT NULL DEFAULT 0,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	consolidated_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_steps_execution ON session_steps (execution_id);
CREATE INDEX IF NOT EXISTS idx_recoveries_execution ON session_recoveries (execution_id);
`

var _ Store = (*SQLiteStore)(nil)
