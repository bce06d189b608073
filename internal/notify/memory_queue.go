package notify

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrQueueClosed 表示队列已经关闭，无法再投递事件。
	ErrQueueClosed = errors.New("队列已关闭")
	// ErrQueueFull 表示队列缓冲区已满，事件被丢弃。
	ErrQueueFull = errors.New("队列已满")
)

// MemoryQueue 使用 channel 模拟事件队列，主要用于测试与单机部署。
type MemoryQueue struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存事件队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Event, size)}
}

// Publish 将事件投递到队列。队列已满时立即返回 ErrQueueFull 而不阻塞，
// 避免持有业务锁的调用方被消费速度拖住。锁覆盖发送动作本身，
// 保证不会向已关闭的 channel 写入。
func (q *MemoryQueue) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Consume 启动指定数量的工作协程消费队列中的事件。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, event)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
