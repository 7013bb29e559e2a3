/*
Package service defines the unit of composition used everywhere in frontdoor.

A Service turns one input into one output asynchronously; a Layer wraps a
Service into another Service. Transports, protocol handlers, limits and
timeouts are all expressed as services or layers, so a front door is simply a
stack built at startup.

Services are shared by reference across concurrent connections and must be
safe for concurrent use. Per-connection state lives in the Extensions carried
by the context, never in the service value itself.
*/
package service

import "context"

// Service 处理一个输入, 返回一个输出或错误. 必须是并发安全的.
type Service[In, Out any] interface {
	Serve(ctx context.Context, in In) (Out, error)
}

// Func adapts an ordinary function to a Service.
type Func[In, Out any] func(ctx context.Context, in In) (Out, error)

func (f Func[In, Out]) Serve(ctx context.Context, in In) (Out, error) {
	return f(ctx, in)
}

// Layer 把一个 Service 包装成另一个 Service. Layer 的调用是同步的, 且不会失败;
// 配置错误应在构造 Layer 时返回.
type Layer[In, Out, In2, Out2 any] interface {
	Layer(inner Service[In, Out]) Service[In2, Out2]
}

type LayerFunc[In, Out, In2, Out2 any] func(inner Service[In, Out]) Service[In2, Out2]

func (f LayerFunc[In, Out, In2, Out2]) Layer(inner Service[In, Out]) Service[In2, Out2] {
	return f(inner)
}

// Apply wraps s with a (possibly type changing) layer.
func Apply[In, Out, In2, Out2 any](l Layer[In, Out, In2, Out2], s Service[In, Out]) Service[In2, Out2] {
	return l.Layer(s)
}

// Stack wraps s with layers; layers[0] ends up outermost, i.e. it sees the
// input first and the output last.
func Stack[In, Out any](s Service[In, Out], layers ...Layer[In, Out, In, Out]) Service[In, Out] {
	for i := len(layers) - 1; i >= 0; i-- {
		if layers[i] == nil {
			continue
		}
		s = layers[i].Layer(s)
	}
	return s
}

// Identity 直接返回输入.
func Identity[T any]() Service[T, T] {
	return Func[T, T](func(_ context.Context, in T) (T, error) {
		return in, nil
	})
}
