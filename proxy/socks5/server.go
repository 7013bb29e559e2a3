package socks5

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/e1732a364fed/frontdoor/metrics"
	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

const DefaultHandshakeTimeout = 10 * time.Second

// Server 是 socks5 服务端, 实现 netLayer.Handler.
type Server struct {
	//按服务端偏好排列; 为空时只支持 NoAuth.
	Methods []Authenticator

	//为空时直连
	Connector netLayer.Connector

	UDP bool
	//UDP ASSOCIATE 时解析目标域名用, 为空时使用系统解析器
	Resolver netLayer.Resolver

	HandshakeTimeout time.Duration

	Metrics *metrics.Metrics
}

func (s *Server) methods() []Authenticator {
	if len(s.Methods) == 0 {
		return []Authenticator{NoAuth{}}
	}
	return s.Methods
}

// selectMethod 按服务端的偏好, 而不是客户端列出的顺序, 选择第一个双方都支持的方法.
func (s *Server) selectMethod(offered []byte) Authenticator {
	for _, a := range s.methods() {
		for _, m := range offered {
			if m == a.Method() {
				return a
			}
		}
	}
	return nil
}

func (s *Server) connector() netLayer.Connector {
	if s.Connector == nil {
		return &netLayer.DirectConnector{}
	}
	return s.Connector
}

func (s *Server) Serve(ctx context.Context, c net.Conn) (struct{}, error) {
	err := s.serve(ctx, c)
	s.Metrics.Error(Name, err)
	return struct{}{}, err
}

func (s *Server) serve(ctx context.Context, c net.Conn) error {
	defer c.Close()

	timeout := s.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	c.SetDeadline(time.Now().Add(timeout))

	offered, err := ReadGreeting(c)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "socks5 read greeting failed", ErrDetail: err}
	}

	auth := s.selectMethod(offered)
	if auth == nil {
		WriteMethodSelection(c, AuthNoAcceptable)
		return utils.ErrInErr{ErrDesc: ErrNoAcceptableMethods.ErrDesc, ErrDetail: ErrNoAcceptableMethods, Data: offered}
	}
	if err = WriteMethodSelection(c, auth.Method()); err != nil {
		return err
	}

	user, err := auth.Authenticate(ctx, c)
	if err != nil {
		//认证失败后直接关闭, 不再读取任何请求
		return err
	}
	if user != "" {
		service.InsertInto(ctx, utils.AuthenticatedUser{Protocol: Name, Name: user})
	}

	req, err := ReadRequest(c)
	if err != nil {
		if errors.Is(err, ErrAddrTypeNotSupported) {
			WriteReply(c, RepAddressTypeNotSupported, netLayer.Addr{})
		}
		return utils.ErrInErr{ErrDesc: "socks5 read request failed", ErrDetail: err}
	}
	c.SetDeadline(time.Time{})

	if ce := utils.CanLogDebug("socks5 request"); ce != nil {
		ce.Write(zap.Uint8("cmd", req.Cmd), zap.String("target", req.Addr.String()), zap.String("user", user))
	}

	switch req.Cmd {
	case CmdConnect:
		return s.connect(ctx, c, req.Addr)
	case CmdUDPAssociate:
		if s.UDP {
			return s.udpAssociate(ctx, c, req.Addr)
		}
	}
	WriteReply(c, RepCommandNotSupported, netLayer.Addr{})
	return utils.ErrInErr{ErrDesc: ErrCommandNotSupported.ErrDesc, ErrDetail: ErrCommandNotSupported, Data: req.Cmd}
}

func (s *Server) connect(ctx context.Context, c net.Conn, target netLayer.Addr) error {
	target.Network = "tcp"
	service.InsertInto(ctx, netLayer.ProxyTarget{Addr: target})

	rc, err := s.connector().Connect(ctx, target)
	if err != nil {
		rep := ReplyForError(err)
		WriteReply(c, rep, netLayer.Addr{})
		if ce := utils.CanLogDebug("socks5 connect failed"); ce != nil {
			ce.Write(zap.String("target", target.String()), zap.String("reply", ReplyString(rep)), zap.Error(err))
		}
		return err
	}

	bound, _ := netLayer.NewAddrFromAny(rc.LocalAddr())
	if err = WriteReply(c, RepSucceeded, bound); err != nil {
		rc.Close()
		return err
	}

	res := netLayer.Relay(ctx, target, c, rc)
	s.Metrics.Relayed(res.Up, res.Down)
	return nil
}
