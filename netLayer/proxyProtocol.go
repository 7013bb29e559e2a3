package netLayer

import (
	"net"

	"github.com/pires/go-proxyproto"
)

// PROXY protocol。
// Reference： http://www.haproxy.org/download/1.8/doc/proxy-protocol.txt
//
// 前置了 haproxy/nginx 之类的负载均衡时, 打开后 conn.RemoteAddr() 返回的是 PROXY 头里的真实客户端地址,
// 进而被写入每条连接的 PeerAddr.

// ProxyProtocolPolicy 控制是否要求对端发送 PROXY 头.
type ProxyProtocolPolicy int

const (
	ProxyProtocolOff ProxyProtocolPolicy = iota
	// ProxyProtocolUse 有则用, 无则当作普通连接
	ProxyProtocolUse
	// ProxyProtocolRequire 没有 PROXY 头的连接会出错
	ProxyProtocolRequire
)

func (p ProxyProtocolPolicy) policy() proxyproto.Policy {
	switch p {
	case ProxyProtocolRequire:
		return proxyproto.REQUIRE
	default:
		return proxyproto.USE
	}
}

// WrapProxyProtocol 让 ln 接受 PROXY v1/v2 头.
func WrapProxyProtocol(ln net.Listener, p ProxyProtocolPolicy) net.Listener {
	if p == ProxyProtocolOff {
		return ln
	}
	pol := p.policy()
	return &proxyproto.Listener{
		Listener: ln,
		Policy: func(upstream net.Addr) (proxyproto.Policy, error) {
			return pol, nil
		},
	}
}
