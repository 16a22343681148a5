package session

import (
	"context"
	"sync"

	xerrors "ChainFlow-Eval/internal/errors"
)

// Message 是归并队列上的消息：某条流程已到达终态，等待归并。
type Message struct {
	ExecutionID string `json:"execution_id"`
	EnqueuedAt  int64  `json:"enqueued_at"`
}

// Producer 把到达终态的执行投递到归并队列。
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Consumer 供归并器拉取待归并的执行。
type Consumer interface {
	Consume(ctx context.Context) (<-chan Message, error)
	Close() error
}

// MemoryQueue 是进程内队列驱动，同时实现 Producer 与 Consumer。
type MemoryQueue struct {
	ch     chan Message
	mu     sync.Mutex
	closed bool
}

const defaultQueueDepth = 256

// NewMemoryQueue 创建进程内队列。depth 为零时使用默认深度。
func NewMemoryQueue(depth int) *MemoryQueue {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &MemoryQueue{ch: make(chan Message, depth)}
}

// Publish 实现 Producer。队列满时阻塞直至取消。
func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	q.mu.Unlock()

	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "投递归并消息被取消")
	}
}

// Consume 实现 Consumer。
func (q *MemoryQueue) Consume(_ context.Context) (<-chan Message, error) {
	return q.ch, nil
}

// Close 实现 Producer/Consumer。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

var (
	_ Producer = (*MemoryQueue)(nil)
	_ Consumer = (*MemoryQueue)(nil)
)
