package httpLayer

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/tlsLayer"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

// ConnectClient 通过上游 http(s) 代理的 CONNECT 连接目标, 实现 netLayer.Connector.
// TLS 不为空时先与代理服务器握手 (可用 utls 指纹).
type ConnectClient struct {
	Server     netLayer.Addr
	User, Pass string

	TLS *tlsLayer.ClientConf

	//用于连接 Server, 为空时直连
	Dialer netLayer.Connector

	HandshakeTimeout time.Duration
}

func (cc *ConnectClient) Connect(ctx context.Context, target netLayer.Addr) (net.Conn, error) {
	dialer := cc.Dialer
	if dialer == nil {
		dialer = &netLayer.DirectConnector{}
	}
	underlay, err := dialer.Connect(ctx, cc.Server)
	if err != nil {
		return nil, err
	}

	if cc.TLS != nil {
		underlay, err = cc.TLS.Handshake(ctx, underlay)
		if err != nil {
			return nil, &utils.UpstreamError{Target: cc.Server.String(), Err: err}
		}
	}

	conn, err := cc.Handshake(ctx, underlay, target)
	if err != nil {
		underlay.Close()
		return nil, &utils.UpstreamError{Target: target.String(), Err: err}
	}
	return conn, nil
}

// Handshake 在 underlay 上发送 CONNECT 并读取响应. 成功时返回的连接会先重放响应之后已读入的字节.
func (cc *ConnectClient) Handshake(ctx context.Context, underlay net.Conn, target netLayer.Addr) (net.Conn, error) {
	timeout := cc.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultReadHeaderTimeout
	}
	underlay.SetDeadline(time.Now().Add(timeout))
	defer underlay.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { underlay.SetDeadline(time.Now()) })
	defer stop()

	authority := target.String()
	req := &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Host: authority},
		Host:       authority,
		Header:     make(http.Header),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	if cc.User != "" {
		req.Header.Set("Proxy-Authorization", BasicAuth(cc.User, cc.Pass))
	}
	if err := req.Write(underlay); err != nil {
		return nil, err
	}

	br := bufio.NewReader(underlay)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, err
	}
	//2xx 的 CONNECT 响应没有 body, 之后的字节都属于隧道
	switch {
	case resp.StatusCode == http.StatusProxyAuthRequired:
		return nil, &utils.AuthError{Protocol: Name, User: cc.User, Reason: "rejected by upstream", Err: ErrProxyAuthRequired}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, utils.ErrInErr{ErrDesc: "http proxy refused CONNECT", ErrDetail: utils.ErrInvalidData, Data: resp.StatusCode}
	}

	if ce := utils.CanLogDebug("http CONNECT client ok"); ce != nil {
		ce.Write(zap.String("server", cc.Server.String()), zap.String("target", authority))
	}

	var rest []byte
	if k := br.Buffered(); k > 0 {
		rest, _ = br.Peek(k)
	}
	return netLayer.ReplayConn(underlay, rest), nil
}
