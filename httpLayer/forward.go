package httpLayer

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

// Forward 是普通的 http 正向代理: 请求行为绝对地址 (GET http://host/path) 的请求被转发给目标.
// 不是代理请求的一律回复 400.
type Forward struct {
	transport *http.Transport
}

func NewForward(connector netLayer.Connector) *Forward {
	if connector == nil {
		connector = &netLayer.DirectConnector{}
	}
	return &Forward{
		transport: &http.Transport{
			Proxy: nil,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				a, err := netLayer.NewAddrByHostPort(addr)
				if err != nil {
					return nil, err
				}
				a.Network = "tcp"
				return connector.Connect(ctx, a)
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       DefaultIdleTimeout,
			ResponseHeaderTimeout: 30 * time.Second,
			DisableCompression:    true,
		},
	}
}

func (f *Forward) Serve(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !req.URL.IsAbs() || req.URL.Host == "" || (req.URL.Scheme != "http" && req.URL.Scheme != "https") {
		if ce := utils.CanLogInfo("http not a proxy request"); ce != nil {
			ce.Write(zap.String("method", req.Method), zap.String("uri", req.RequestURI))
		}
		drainBody(req.Body)
		return ErrorResponse(req, http.StatusBadRequest), nil
	}

	defPort := 80
	if req.URL.Scheme == "https" {
		defPort = 443
	}
	target, err := netLayer.ParseAuthority(req.URL.Host, defPort)
	if err != nil {
		drainBody(req.Body)
		return ErrorResponse(req, http.StatusBadRequest), nil
	}
	service.InsertInto(ctx, netLayer.ProxyTarget{Addr: target})

	out := req.Clone(ctx)
	out.RequestURI = ""
	RemoveHopHeaders(out.Header)
	if req.ContentLength == 0 {
		out.Body = nil
	}

	resp, err := f.transport.RoundTrip(out)
	if err != nil {
		return nil, &utils.UpstreamError{Target: target.String(), Err: err}
	}
	RemoveHopHeaders(resp.Header)
	return resp, nil
}

func (f *Forward) Close() {
	f.transport.CloseIdleConnections()
}
