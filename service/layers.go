package service

import (
	"context"

	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

// MapErr 用 fn 转换内部服务返回的错误; fn 不会收到 nil.
func MapErr[In, Out any](fn func(error) error) Layer[In, Out, In, Out] {
	return LayerFunc[In, Out, In, Out](func(inner Service[In, Out]) Service[In, Out] {
		return Func[In, Out](func(ctx context.Context, in In) (Out, error) {
			out, err := inner.Serve(ctx, in)
			if err != nil {
				err = fn(err)
			}
			return out, err
		})
	})
}

// BoxErr 把错误统一包装为 utils.ErrInErr, 便于把错误类型不同的服务放进同一个列表.
func BoxErr[In, Out any](desc string) Layer[In, Out, In, Out] {
	return MapErr[In, Out](func(err error) error {
		return utils.ErrInErr{ErrDesc: desc, ErrDetail: err}
	})
}

// AddExtension 在调用内部服务前把 v 写入 ctx 的 Extensions.
func AddExtension[In, Out, T any](v T) Layer[In, Out, In, Out] {
	return LayerFunc[In, Out, In, Out](func(inner Service[In, Out]) Service[In, Out] {
		return Func[In, Out](func(ctx context.Context, in In) (Out, error) {
			ctx, ext := EnsureExtensions(ctx)
			Insert(ext, v)
			return inner.Serve(ctx, in)
		})
	})
}

// ConsumeErr 记录并吞掉错误, 返回零值. 用于最外层, 例如每条连接的处理.
func ConsumeErr[In, Out any](msg string) Layer[In, Out, In, Out] {
	return LayerFunc[In, Out, In, Out](func(inner Service[In, Out]) Service[In, Out] {
		return Func[In, Out](func(ctx context.Context, in In) (Out, error) {
			out, err := inner.Serve(ctx, in)
			if err != nil {
				utils.LogErrByKind(msg, err)
				var zero Out
				return zero, nil
			}
			return out, nil
		})
	})
}

// Trace 在 debug 级别记录每次调用的结果.
func Trace[In, Out any](name string) Layer[In, Out, In, Out] {
	return LayerFunc[In, Out, In, Out](func(inner Service[In, Out]) Service[In, Out] {
		return Func[In, Out](func(ctx context.Context, in In) (Out, error) {
			out, err := inner.Serve(ctx, in)
			if ce := utils.CanLogDebug("service done"); ce != nil {
				ce.Write(zap.String("service", name), zap.Error(err))
			}
			return out, err
		})
	})
}
