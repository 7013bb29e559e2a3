package netLayer

import (
	"context"
	"errors"
	"net"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/e1732a364fed/frontdoor/graceful"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

type ListenOptions struct {
	ProxyProtocol ProxyProtocolPolicy
	Sockopt       *Sockopt
}

// Listen 监听 tcp 或 unix. network 为空时视为 tcp.
func Listen(network, addr string, opts *ListenOptions) (net.Listener, error) {
	if network == "" {
		network = "tcp"
	}
	var lc net.ListenConfig
	if opts != nil && opts.Sockopt != nil {
		lc.Control = opts.Sockopt.control
	}
	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "listen failed", ErrDetail: err, Data: addr}
	}
	if opts != nil {
		ln = WrapProxyProtocol(ln, opts.ProxyProtocol)
	}
	return ln, nil
}

// Serve 在 ln 上循环 accept, 每条连接一个 goroutine 交给 h 处理, 直到 sd 发出关闭信号.
//
// 每条连接都登记为 sd 的一个 Guard; 连接的 ctx 是 Guard 的 Context, 只在宽限期结束时取消.
// 连接的 Extensions 中会放入 PeerAddr, LocalAddr 和 *graceful.Guard.
func Serve(ln net.Listener, h Handler, sd *graceful.Shutdown) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sd.ShutdownRequested():
			ln.Close()
		case <-done:
		}
	}()

	var tempDelay time.Duration
	for {
		newc, err := ln.Accept()
		if err != nil {
			if sd.IsShuttingDown() {
				if ce := utils.CanLogDebug("stop accepting, shutting down"); ce != nil {
					ce.Write(zap.String("addr", ln.Addr().String()))
				}
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) || strings.Contains(err.Error(), "too many") {
				if ce := utils.CanLogWarn("To many incoming conn! Will Sleep."); ce != nil {
					ce.Write(zap.Error(err))
				}
				time.Sleep(time.Millisecond * 500)
				continue
			}

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			if ce := utils.CanLogWarn("failed to accept connection"); ce != nil {
				ce.Write(zap.Error(err), zap.Duration("retryIn", tempDelay))
			}
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		g := sd.Guard()
		go serveConn(newc, h, g)
	}
}

func serveConn(c net.Conn, h Handler, g *graceful.Guard) {
	defer g.Done()

	defer func() {
		if r := recover(); r != nil {
			c.Close()
			if ce := utils.CanLogErr("panic in connection handler"); ce != nil {
				ce.Write(zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			}
		}
	}()

	ext := service.NewExtensions()
	service.Insert(ext, g)
	if peer, err := NewAddrFromAny(c.RemoteAddr()); err == nil {
		service.Insert(ext, PeerAddr{peer})
	}
	if local, err := NewAddrFromAny(c.LocalAddr()); err == nil {
		service.Insert(ext, LocalAddr{local})
	}

	ctx := service.WithExtensions(g.Context(), ext)

	if _, err := h.Serve(ctx, c); err != nil {
		utils.LogErrByKind("connection ended with error", err, zap.String("peer", c.RemoteAddr().String()))
	}
}

// ShutdownRequested 返回 ctx 中连接所属的关闭信号; 不在 Serve 中运行时返回 nil (永不可读).
func ShutdownRequested(ctx context.Context) <-chan struct{} {
	if g, ok := service.GetFrom[*graceful.Guard](ctx); ok {
		return g.ShutdownRequested()
	}
	return nil
}
