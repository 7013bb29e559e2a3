package tlsLayer

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const DefaultHandshakeTimeout = 10 * time.Second

type AcceptorConf struct {
	Issuer CertIssuer

	//按服务端偏好排列. 为空时使用 h2, http/1.1
	ALPN []string

	MinVersion       uint16 //默认 tls1.2
	StoreClientHello bool

	HandshakeTimeout time.Duration
}

// Acceptor 是服务端 tls 握手层. 握手失败时关闭连接, 不会重试.
type Acceptor struct {
	issuer           CertIssuer
	base             *tls.Config
	storeClientHello bool
	timeout          time.Duration
}

func NewAcceptor(conf AcceptorConf) (*Acceptor, error) {
	if conf.Issuer == nil {
		return nil, utils.ErrInErr{ErrDesc: "tls acceptor needs a cert issuer", ErrDetail: utils.ErrNilParameter}
	}

	alpn := make([]string, 0, len(conf.ALPN))
	for _, p := range conf.ALPN {
		if p != "" && !slices.Contains(alpn, p) {
			alpn = append(alpn, p)
		}
	}
	if len(alpn) == 0 {
		alpn = []string{"h2", "http/1.1"}
	}

	minv := conf.MinVersion
	if minv == 0 {
		minv = tls.VersionTLS12
	}

	base := &tls.Config{
		NextProtos: alpn,
		MinVersion: minv,
	}

	//每条连接都会 Clone 一次配置, 如果不手动指定, 每个 Clone 都会生成自己的 ticket key, session 无法复用
	var keys [1][32]byte
	if _, err := rand.Read(keys[0][:]); err != nil {
		return nil, err
	}
	base.SetSessionTicketKeys(keys[:])

	timeout := conf.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	return &Acceptor{
		issuer:           conf.Issuer,
		base:             base,
		storeClientHello: conf.StoreClientHello,
		timeout:          timeout,
	}, nil
}

func (a *Acceptor) ALPN() []string {
	return slices.Clone(a.base.NextProtos)
}

// Handshake 完成服务端握手. 出错时 underlay 已被关闭.
func (a *Acceptor) Handshake(ctx context.Context, underlay net.Conn) (*tls.Conn, *SecureTransport, error) {
	var hello *ClientHello

	cfg := a.base.Clone()
	cfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		hello = NewClientHello(chi)
		cert, err := a.issuer.IssueCert(chi.Context(), hello)
		if err != nil {
			if ce := utils.CanLogInfo("tls issue cert failed"); ce != nil {
				ce.Write(zap.String("sni", chi.ServerName), zap.Error(err))
			}
			return nil, err
		}
		return cert, nil
	}

	hctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	tlsConn := tls.Server(underlay, cfg)
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		underlay.Close()
		if utils.IsTransportErr(err) {
			return nil, nil, utils.ErrInErr{ErrDesc: "tls handshake failed", ErrDetail: err}
		}
		return nil, nil, fmt.Errorf("%w: tls handshake: %w", utils.ErrInvalidData, err)
	}

	state := tlsConn.ConnectionState()
	st := &SecureTransport{
		NegotiatedALPN: state.NegotiatedProtocol,
		Version:        state.Version,
		ServerName:     state.ServerName,
	}
	if a.storeClientHello {
		st.ClientHello = hello
	}

	if ce := utils.CanLogDebug("tls handshake ok"); ce != nil {
		ce.Write(zap.String("sni", st.ServerName), zap.String("alpn", st.NegotiatedALPN), zap.String("version", VersionName(st.Version)))
	}
	return tlsConn, st, nil
}

// Layer 使 Acceptor 可以放进 netLayer 的层栈中: 握手后把 SecureTransport 写入 Extensions, 然后交给 inner.
func (a *Acceptor) Layer(inner netLayer.Handler) netLayer.Handler {
	return netLayer.HandlerFunc(func(ctx context.Context, c net.Conn) (struct{}, error) {
		tlsConn, st, err := a.Handshake(ctx, c)
		if err != nil {
			return struct{}{}, err
		}
		ctx, ext := service.EnsureExtensions(ctx)
		service.Insert(ext, *st)
		return inner.Serve(ctx, tlsConn)
	})
}

// ALPNRouter 按握手协商出的 alpn 选择处理者, 没有对应的则交给 Fallback.
type ALPNRouter struct {
	Routes   map[string]netLayer.Handler
	Fallback netLayer.Handler
}

func (r *ALPNRouter) Serve(ctx context.Context, c net.Conn) (struct{}, error) {
	var proto string
	if st, ok := service.GetFrom[SecureTransport](ctx); ok {
		proto = st.NegotiatedALPN
	} else if tc, ok := c.(*tls.Conn); ok {
		proto = tc.ConnectionState().NegotiatedProtocol
	}

	h := r.Routes[proto]
	if h == nil {
		h = r.Fallback
	}
	if h == nil {
		c.Close()
		return struct{}{}, utils.ErrInErr{ErrDesc: "no handler for alpn", ErrDetail: netLayer.ErrNoMatch, Data: proto}
	}
	return h.Serve(ctx, c)
}
