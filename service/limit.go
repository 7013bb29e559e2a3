package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"
)

var ErrLimitReached = errors.New("concurrency limit reached")

// Guard 表示一份已占用的配额. Release 可重复调用, 只有第一次生效.
type Guard interface {
	Release()
}

// Policy 决定一次调用能否进入.
type Policy interface {
	Check(ctx context.Context) (Guard, error)
}

// ConcurrentCounter 限制同时在处理中的数量不超过 Max.
type ConcurrentCounter struct {
	Max     int64
	current atomic.Int64
}

func NewConcurrentCounter(max int64) *ConcurrentCounter {
	return &ConcurrentCounter{Max: max}
}

// TryAcquire never blocks.
func (c *ConcurrentCounter) TryAcquire() (Guard, bool) {
	for {
		cur := c.current.Load()
		if cur >= c.Max {
			return nil, false
		}
		if c.current.CAS(cur, cur+1) {
			return &counterGuard{c: c}, true
		}
	}
}

func (c *ConcurrentCounter) Current() int64 {
	return c.current.Load()
}

type counterGuard struct {
	c    *ConcurrentCounter
	once sync.Once
}

func (g *counterGuard) Release() {
	g.once.Do(func() {
		g.c.current.Dec()
	})
}

// ConcurrentPolicy 在计数已满时, 若 Backoff 为 nil 则立即拒绝, 否则按 Backoff 等待后重试,
// 直到 Backoff 放弃.
type ConcurrentPolicy struct {
	Counter *ConcurrentCounter
	Backoff Backoff
}

func NewConcurrentPolicy(max int64, backoff Backoff) *ConcurrentPolicy {
	return &ConcurrentPolicy{
		Counter: NewConcurrentCounter(max),
		Backoff: backoff,
	}
}

func (p *ConcurrentPolicy) Check(ctx context.Context) (Guard, error) {
	for attempt := 0; ; attempt++ {
		if g, ok := p.Counter.TryAcquire(); ok {
			return g, nil
		}
		if p.Backoff == nil || !p.Backoff.Next(ctx, attempt) {
			return nil, ErrLimitReached
		}
	}
}

// Limit 用 policy 限制内部服务. 配额在内部服务返回时释放, 包括 panic 的情况.
func Limit[In, Out any](policy Policy) Layer[In, Out, In, Out] {
	return LimitWithReject[In, Out](policy, nil)
}

// LimitWithReject 同 Limit, 但被拒绝时会先调用 onReject, 例如关闭连接.
func LimitWithReject[In, Out any](policy Policy, onReject func(In)) Layer[In, Out, In, Out] {
	return LayerFunc[In, Out, In, Out](func(inner Service[In, Out]) Service[In, Out] {
		return Func[In, Out](func(ctx context.Context, in In) (Out, error) {
			g, err := policy.Check(ctx)
			if err != nil {
				if onReject != nil {
					onReject(in)
				}
				var zero Out
				return zero, err
			}
			defer g.Release()
			return inner.Serve(ctx, in)
		})
	})
}
