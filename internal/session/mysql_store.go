package session

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "ChainFlow-Eval/internal/errors"
)

// MySQLConfig 描述 MySQL 驱动的连接参数。
type MySQLConfig struct {
	// DSN 形如 user:pass@tcp(host:3306)/chainflow?parseTime=true。
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// MySQLStore 是生产部署使用的存储驱动，表结构由 deploy/migrations
// 管理。
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore 建立连接池并做一次连通性探测。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if cfg.DSN == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 MySQL 连接失败")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "MySQL 连通性探测失败")
	}
	return &MySQLStore{sqlStore{db: db}}, nil
}

var _ Store = (*MySQLStore)(nil)
