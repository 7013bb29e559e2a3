package socks5

import (
	"context"
	"net"
	"time"

	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

// Client 通过上游 socks5 服务器连接目标, 实现 netLayer.Connector.
type Client struct {
	Server     netLayer.Addr
	User, Pass string

	//用于连接 Server, 为空时直连
	Dialer netLayer.Connector

	HandshakeTimeout time.Duration
}

func (cl *Client) dialer() netLayer.Connector {
	if cl.Dialer == nil {
		return &netLayer.DirectConnector{}
	}
	return cl.Dialer
}

func (cl *Client) Connect(ctx context.Context, target netLayer.Addr) (net.Conn, error) {
	underlay, err := cl.dialer().Connect(ctx, cl.Server)
	if err != nil {
		return nil, err
	}
	if _, err = cl.Handshake(ctx, underlay, CmdConnect, target); err != nil {
		underlay.Close()
		return nil, &utils.UpstreamError{Target: target.String(), Err: err}
	}
	return underlay, nil
}

// Handshake 在 underlay 上完成 socks5 握手并发出 cmd 请求, 返回服务端回复中的地址.
// ctx 结束或超时会中断握手.
func (cl *Client) Handshake(ctx context.Context, underlay net.Conn, cmd byte, target netLayer.Addr) (bound netLayer.Addr, err error) {
	timeout := cl.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	underlay.SetDeadline(time.Now().Add(timeout))
	defer underlay.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { underlay.SetDeadline(time.Now()) })
	defer stop()

	methods := []byte{AuthNone}
	if cl.User != "" {
		methods = []byte{AuthPassword, AuthNone}
	}
	greeting := append([]byte{Version5, byte(len(methods))}, methods...)
	if _, err = underlay.Write(greeting); err != nil {
		return
	}

	var sel [2]byte
	if err = readFull(underlay, sel[:]); err != nil {
		return
	}
	if sel[0] != Version5 {
		err = utils.ErrInErr{ErrDesc: "socks5 server replied wrong version", ErrDetail: utils.ErrInvalidData, Data: sel[0]}
		return
	}

	switch sel[1] {
	case AuthNone:
	case AuthPassword:
		if cl.User == "" {
			err = utils.ErrInErr{ErrDesc: "socks5 server selected a method we did not offer", ErrDetail: utils.ErrInvalidData}
			return
		}
		if err = WriteUserPassRequest(underlay, cl.User, cl.Pass); err != nil {
			return
		}
		var st [2]byte
		if err = readFull(underlay, st[:]); err != nil {
			return
		}
		if st[1] != UserPassStatusOK {
			err = &utils.AuthError{Protocol: Name, User: cl.User, Reason: "rejected by upstream"}
			return
		}
	case AuthNoAcceptable:
		err = ErrNoAcceptableMethods
		return
	default:
		err = utils.ErrInErr{ErrDesc: "socks5 server selected a method we did not offer", ErrDetail: utils.ErrInvalidData, Data: sel[1]}
		return
	}

	if err = WriteRequest(underlay, cmd, target); err != nil {
		return
	}
	bound, err = ReadReply(underlay)
	if err != nil {
		return
	}

	if ce := utils.CanLogDebug("socks5 client handshake ok"); ce != nil {
		ce.Write(zap.String("server", cl.Server.String()), zap.String("target", target.String()), zap.String("bound", bound.String()))
	}
	return
}
