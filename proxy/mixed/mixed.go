/*
Package mixed 在一个端口上同时提供 socks5, http CONNECT / 正向代理, h2 与 tls.

Layer Definition

一条入站连接自外向内经过这些层:

	过滤 (ip / geoip)
	--------------------
	指标 (连接计数)
	--------------------
	并发限制
	--------------------
	偷看路由
	   ├─ sni 直通        -> 原样转发到配置的目标
	   ├─ tls             -> 握手 -> alpn
	   │                          ├─ h2    -> h2
	   │                          └─ 其它  -> 偷看 socks5 / http1
	   ├─ socks5
	   ├─ h2 preface      -> h2c
	   └─ fallback        -> http1

偷看的字节会原样重放给选中的处理者, 所以每个协议的处理者都看到完整的连接.
*/
package mixed

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/e1732a364fed/frontdoor/httpLayer"
	"github.com/e1732a364fed/frontdoor/metrics"
	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/proxy/socks5"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/tlsLayer"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

const Name = "mixed"

const (
	DefaultPeekTimeout = 5 * time.Second

	//tls record 最大 16k, 要偷看完整的 ClientHello 才能得到 sni
	maxClientHelloPeek = 16*1024 + 5
)

// route names, 也用作 metrics 的 protocol 标签
const (
	ProtoTLS         = "tls"
	ProtoSocks5      = "socks5"
	ProtoH2          = "h2"
	ProtoH2C         = "h2c"
	ProtoHTTP1       = "http1"
	ProtoPassthrough = "passthrough"
)

// Passthrough 把 sni 为 Names 之一的 tls 连接不经解密直接转发给 Target.
type Passthrough struct {
	Names  []string
	Target netLayer.Addr
}

type Options struct {
	// 为 nil 时不接受 tls
	TLS *tlsLayer.Acceptor
	// 为 nil 时不接受 socks5
	Socks5 *socks5.Server
	// 为 nil 时不接受 http, 也没有 fallback
	HTTP httpLayer.Service

	Passthrough []Passthrough
	// 直通用的连接器, 为空时直连
	Connector netLayer.Connector

	// 在最外层, 按顺序
	Filters []netLayer.ConnLayer
	// 为 nil 时不限制
	Limit service.Policy

	PeekTimeout   time.Duration
	TimeoutPolicy netLayer.TimeoutPolicy

	Metrics *metrics.Metrics
}

// New 组装前门的连接处理者.
func New(opts Options) (netLayer.Handler, error) {
	if opts.TLS == nil && opts.Socks5 == nil && opts.HTTP == nil && len(opts.Passthrough) == 0 {
		return nil, utils.ErrInErr{ErrDesc: "mixed front door has no protocol enabled", ErrDetail: utils.ErrWrongParameter}
	}
	m := opts.Metrics

	peekTimeout := opts.PeekTimeout
	if peekTimeout <= 0 {
		peekTimeout = DefaultPeekTimeout
	}

	var http1, h2 netLayer.Handler
	if opts.HTTP != nil {
		http1 = observe(m, ProtoHTTP1, &httpLayer.Server{Service: opts.HTTP, Metrics: m})
		h2 = httpLayer.NewH2Server(opts.HTTP, m)
	}

	var routes []netLayer.Route
	maxPeek := netLayer.DefaultMaxPeek

	for _, p := range opts.Passthrough {
		if len(p.Names) == 0 {
			return nil, utils.ErrInErr{ErrDesc: "passthrough without server names", ErrDetail: utils.ErrWrongParameter, Data: p.Target.String()}
		}
		routes = append(routes, netLayer.Route{
			Name:    ProtoPassthrough + ":" + strings.Join(p.Names, ","),
			Matcher: tlsLayer.SNIMatcher(p.Names...),
			Handler: observe(m, ProtoPassthrough, passthroughHandler(p.Target, opts.Connector, m)),
		})
		maxPeek = maxClientHelloPeek
	}

	if opts.TLS != nil {
		//tls 之内: h2 由 alpn 决定, 其它的再偷看一次
		inner := &netLayer.PeekRouter{
			PeekTimeout:   peekTimeout,
			TimeoutPolicy: opts.TimeoutPolicy,
			Fallback:      http1,
		}
		if opts.Socks5 != nil {
			inner.Routes = append(inner.Routes, netLayer.Route{Name: ProtoSocks5, Matcher: netLayer.Socks5Matcher, Handler: observe(m, ProtoSocks5, opts.Socks5)})
		}
		alpn := &tlsLayer.ALPNRouter{Fallback: inner}
		if h2 != nil {
			alpn.Routes = map[string]netLayer.Handler{httpLayer.H2_Str: observe(m, ProtoH2, h2)}
		}
		routes = append(routes, netLayer.Route{
			Name:    ProtoTLS,
			Matcher: netLayer.TLSMatcher,
			Handler: observe(m, ProtoTLS, opts.TLS.Layer(alpn)),
		})
	}
	if opts.Socks5 != nil {
		routes = append(routes, netLayer.Route{Name: ProtoSocks5, Matcher: netLayer.Socks5Matcher, Handler: observe(m, ProtoSocks5, opts.Socks5)})
	}
	if h2 != nil {
		routes = append(routes, netLayer.Route{Name: ProtoH2C, Matcher: netLayer.H2PrefaceMatcher, Handler: observe(m, ProtoH2C, h2)})
	}

	router := &netLayer.PeekRouter{
		Routes:        routes,
		Fallback:      http1,
		MaxPeek:       maxPeek,
		PeekTimeout:   peekTimeout,
		TimeoutPolicy: opts.TimeoutPolicy,
	}

	layers := make([]netLayer.ConnLayer, 0, len(opts.Filters)+2)
	layers = append(layers, opts.Filters...)
	if m != nil {
		layers = append(layers, countLayer(m))
	}
	if opts.Limit != nil {
		layers = append(layers, service.LimitWithReject[net.Conn, struct{}](opts.Limit, func(c net.Conn) {
			c.Close()
			if ce := utils.CanLogInfo("connection limit reached"); ce != nil {
				ce.Write(zap.String("from", c.RemoteAddr().String()))
			}
		}))
	}

	return netLayer.StackHandler(router, layers...), nil
}

// observe 记录被选中的协议.
func observe(m *metrics.Metrics, proto string, h netLayer.Handler) netLayer.Handler {
	if m == nil {
		return h
	}
	return netLayer.HandlerFunc(func(ctx context.Context, c net.Conn) (struct{}, error) {
		m.Detected(proto)
		return h.Serve(ctx, c)
	})
}

func countLayer(m *metrics.Metrics) netLayer.ConnLayer {
	return netLayer.ConnLayerFunc(func(inner netLayer.Handler) netLayer.Handler {
		return netLayer.HandlerFunc(func(ctx context.Context, c net.Conn) (struct{}, error) {
			m.ConnOpened()
			defer m.ConnClosed()
			return inner.Serve(ctx, c)
		})
	})
}

func passthroughHandler(target netLayer.Addr, connector netLayer.Connector, m *metrics.Metrics) netLayer.Handler {
	tunnel := &httpLayer.TunnelHandler{Connector: connector, Metrics: m}
	return netLayer.HandlerFunc(func(ctx context.Context, c net.Conn) (struct{}, error) {
		service.InsertInto(ctx, netLayer.ProxyTarget{Addr: target})
		return tunnel.Serve(ctx, c)
	})
}
