package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueuePublishConsume(t *testing.T) {
	queue := NewMemoryQueue(8)
	defer queue.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	received := make(map[string]Event)
	done := make(chan struct{})

	go func() {
		_ = queue.Consume(ctx, 2, func(_ context.Context, event Event) error {
			mu.Lock()
			received[event.ID] = event
			if len(received) == 3 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	for i := int64(1); i <= 3; i++ {
		event := NewEvent(EventTaskCreated, i)
		event.Sponsor = "sponsor-1"
		if err := queue.Publish(ctx, event); err != nil {
			t.Fatalf("投递事件失败: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("事件未在期限内被消费")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, event := range received {
		if event.ID == "" || event.Type != EventTaskCreated || event.Sponsor != "sponsor-1" {
			t.Fatalf("事件内容异常: %+v", event)
		}
	}
}

func TestMemoryQueuePublishFullDoesNotBlock(t *testing.T) {
	queue := NewMemoryQueue(1)
	defer queue.Close()

	ctx := context.Background()
	if err := queue.Publish(ctx, NewEvent(EventTaskCreated, 1)); err != nil {
		t.Fatalf("首次投递失败: %v", err)
	}

	start := time.Now()
	err := queue.Publish(ctx, NewEvent(EventTaskCreated, 2))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("队列满时的投递错误 = %v, 期望 ErrQueueFull", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("队列满时投递耗时 %v, 不应阻塞", elapsed)
	}
}

func TestMemoryQueueConcurrentPublishClose(t *testing.T) {
	queue := NewMemoryQueue(4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			for j := int64(0); j < 64; j++ {
				_ = queue.Publish(context.Background(), NewEvent(EventTaskCreated, n*100+j))
			}
		}(int64(i))
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("关闭队列失败: %v", err)
	}
	wg.Wait()

	if err := queue.Publish(context.Background(), NewEvent(EventTaskCreated, 999)); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("关闭后的投递错误 = %v, 期望 ErrQueueClosed", err)
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("关闭队列失败: %v", err)
	}
	if err := queue.Publish(context.Background(), NewEvent(EventBidPlaced, 1)); err == nil {
		t.Fatal("关闭后的投递应返回错误")
	}
	// 重复关闭应当无害。
	if err := queue.Close(); err != nil {
		t.Fatalf("重复关闭失败: %v", err)
	}
}
