package service

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrTimeout = errors.New("service timeout")

// Timeout 给内部服务加上时限. 超时后立即返回 ErrTimeout, 同时取消传给内部服务的 ctx.
//
// 内部服务在另一个 goroutine 中运行; 不观察 ctx 的内部服务在超时后仍会一直运行到自己返回为止.
// 超时后才返回的结果若实现了 io.Closer (比如 net.Conn), 会被关闭.
func Timeout[In, Out any](d time.Duration) Layer[In, Out, In, Out] {
	return LayerFunc[In, Out, In, Out](func(inner Service[In, Out]) Service[In, Out] {
		if d <= 0 {
			return inner
		}
		return Func[In, Out](func(ctx context.Context, in In) (Out, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			ch := make(chan result[Out], 1)
			go func() {
				out, err := inner.Serve(ctx, in)
				ch <- result[Out]{out, err}
			}()

			select {
			case r := <-ch:
				return r.out, r.err
			case <-ctx.Done():
				go closeLate(ch)
				var zero Out
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return zero, ErrTimeout
				}
				return zero, ctx.Err()
			}
		})
	})
}

type result[Out any] struct {
	out Out
	err error
}

func closeLate[Out any](ch <-chan result[Out]) {
	r := <-ch
	if c, ok := any(r.out).(io.Closer); ok && r.err == nil {
		c.Close()
	}
}
