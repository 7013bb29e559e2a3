package httpLayer

import (
	"context"
	"net"
	"net/http"

	"github.com/e1732a364fed/frontdoor/metrics"
	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

//rfc: https://datatracker.ietf.org/doc/html/rfc7231#section-4.3.6
// "CONNECT is intended only for use in requests to a proxy.  " 总之CONNECT命令专门用于代理.

const connectEstablished = "200 Connection established"

// Connect 返回处理 CONNECT 的 Layer. 其它方法交给内层.
//
// authority 不合法时回复 400, 不进入 upgrade; 否则写入 ProxyTarget 与 Upgrade, 回复 200.
// 响应写出之后连接交给 upgrade. 连接目标是在 200 之后才做的, 失败只能记日志并关闭隧道.
func Connect(upgrade netLayer.Handler) Layer {
	return LayerFunc(func(inner Service) Service {
		return Func(func(ctx context.Context, req *http.Request) (*http.Response, error) {
			if req.Method != http.MethodConnect {
				return inner.Serve(ctx, req)
			}

			authority := req.URL.Host
			if authority == "" {
				authority = req.Host
			}
			target, err := netLayer.ParseAuthority(authority, 0)
			if err != nil {
				if ce := utils.CanLogInfo("http CONNECT bad authority"); ce != nil {
					ce.Write(zap.String("authority", authority), zap.Error(err))
				}
				return ErrorResponse(req, http.StatusBadRequest), nil
			}

			service.InsertInto(ctx, netLayer.ProxyTarget{Addr: target})
			service.InsertInto(ctx, Upgrade{Handler: upgrade})

			resp := NewResponse(req, http.StatusOK)
			resp.Status = connectEstablished
			return resp, nil
		})
	})
}

// TunnelHandler 是 CONNECT 之后的 upgrade 处理者: 连接 ProxyTarget, 然后双向转发.
type TunnelHandler struct {
	Connector netLayer.Connector
	Metrics   *metrics.Metrics
}

func (th *TunnelHandler) Serve(ctx context.Context, c net.Conn) (struct{}, error) {
	pt, ok := service.GetFrom[netLayer.ProxyTarget](ctx)
	if !ok {
		c.Close()
		return struct{}{}, utils.ErrInErr{ErrDesc: "tunnel without proxy target", ErrDetail: utils.ErrNilParameter}
	}

	connector := th.Connector
	if connector == nil {
		connector = &netLayer.DirectConnector{}
	}
	rc, err := connector.Connect(ctx, pt.Addr)
	if err != nil {
		c.Close()
		//已回复 200, 只能记录
		utils.LogErrByKind("tunnel connect failed", err, zap.String("target", pt.String()))
		return struct{}{}, err
	}

	res := netLayer.Relay(ctx, pt.Addr, c, rc)
	th.Metrics.Relayed(res.Up, res.Down)
	return struct{}{}, nil
}
