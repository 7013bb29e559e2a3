package service

import (
	"context"
	"math/rand"
	"time"
)

// Backoff 决定第 attempt 次(从0开始)失败后是否重试. Next 会阻塞到该重试的时候;
// 返回 false 表示放弃.
type Backoff interface {
	Next(ctx context.Context, attempt int) bool
}

// ExponentialBackoff waits Min, 2*Min, 4*Min ... capped at Max, with up to
// Jitter (0..1) of random extra delay, and gives up after Attempts retries.
type ExponentialBackoff struct {
	Min      time.Duration
	Max      time.Duration
	Attempts int
	Jitter   float64
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	d := b.Min
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Float64() * b.Jitter * float64(d))
	}
	return d
}

func (b ExponentialBackoff) Next(ctx context.Context, attempt int) bool {
	if attempt >= b.Attempts {
		return false
	}
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
