package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列驱动的连接参数。
type RedisQueueConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	// Key 是承载归并消息的列表键，默认 chainflow:consolidation。
	Key string `json:"key"`
}

const defaultRedisKey = "chainflow:consolidation"

// RedisQueue 以 LPUSH/BRPOP 在 Redis 列表上实现归并队列。
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue 建立连接并做一次 PING 探测。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Addr == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 地址不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = defaultRedisKey
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "Redis 连通性探测失败")
	}
	return &RedisQueue{client: client, key: key}, nil
}

// Publish 实现 Producer。
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化归并消息失败")
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递归并消息失败")
	}
	return nil
}

// Consume 实现 Consumer。后台 goroutine 以 BRPOP 轮询，直到上下文取消。
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			values, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				logger.L().Warn("Redis 拉取归并消息失败", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			// BRPOP 返回 [key, value]。
			if len(values) != 2 {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(values[1]), &msg); err != nil {
				logger.L().Warn("丢弃无法解析的归并消息", "payload", values[1])
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close 实现 Producer/Consumer。
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var (
	_ Producer = (*RedisQueue)(nil)
	_ Consumer = (*RedisQueue)(nil)
)
