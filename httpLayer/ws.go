package httpLayer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"
)

func isWebsocketUpgrade(req *http.Request) bool {
	return req.Method == http.MethodGet &&
		headerContainsToken(req.Header, "Connection", "upgrade") &&
		headerContainsToken(req.Header, "Upgrade", "websocket")
}

// requestHead 把已解析的请求头还原为 http/1.1 的文本, 供 gobwas 的 Upgrader 重新读取.
func requestHead(req *http.Request, b *bytes.Buffer) {
	b.WriteString(req.Method + " " + req.URL.RequestURI() + " HTTP/1.1\r\n")
	b.WriteString("Host: " + req.Host + "\r\n")
	req.Header.Write(b)
	b.WriteString("\r\n")
}

type readWriter struct {
	io.Reader
	io.Writer
}

// WSTunnel 返回 websocket 隧道 Layer: 对 Path 的 websocket 握手由 gobwas/ws.Upgrader 完成,
// 之后把 websocket 二进制帧中的数据转发到 Target (交给 handler, 一般是 TunnelHandler).
// 其它请求交给内层.
func WSTunnel(path string, target netLayer.Addr, handler netLayer.Handler) Layer {
	return LayerFunc(func(inner Service) Service {
		return Func(func(ctx context.Context, req *http.Request) (*http.Response, error) {
			if req.URL.Path != path || !isWebsocketUpgrade(req) {
				return inner.Serve(ctx, req)
			}

			service.InsertInto(ctx, netLayer.ProxyTarget{Addr: target})
			service.InsertInto(ctx, Upgrade{
				WritesResponse: true,
				Handler: netLayer.HandlerFunc(func(ctx context.Context, c net.Conn) (struct{}, error) {
					if err := wsHandshake(req, path, c); err != nil {
						c.Close()
						return struct{}{}, err
					}
					return handler.Serve(ctx, NewWSConn(c, ws.StateServerSide))
				}),
			})
			return NewResponse(req, http.StatusSwitchingProtocols), nil
		})
	})
}

// wsHandshake 让 Upgrader 读取还原的请求头并向 c 写出响应. 握手失败时 Upgrader 已经写出了标准的错误响应.
func wsHandshake(req *http.Request, path string, c net.Conn) error {
	buf := utils.GetBuf()
	defer utils.PutBuf(buf)
	requestHead(req, buf)

	u := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			if p, _, _ := strings.Cut(string(uri), "?"); p != path {
				return ws.RejectConnectionError(ws.RejectionStatus(http.StatusBadRequest))
			}
			return nil
		},
	}
	if _, err := u.Upgrade(readWriter{Reader: bytes.NewReader(buf.Bytes()), Writer: c}); err != nil {
		if ce := utils.CanLogInfo("ws bad handshake"); ce != nil {
			ce.Write(zap.String("path", req.URL.Path), zap.String("version", req.Header.Get("Sec-WebSocket-Version")), zap.Error(err))
		}
		return utils.ErrInErr{ErrDesc: "ws handshake failed", ErrDetail: utils.ErrInvalidData, Data: err.Error()}
	}
	return nil
}

// WSConn 在 websocket 连接上读写二进制帧, 实现 net.Conn.
//
// gobwas/ws 不包装conn, 我们包装一下, 统一使用 Read 和 Write 读写二进制数据.
type WSConn struct {
	net.Conn

	state ws.State
	r     *wsutil.Reader

	remainLenForLastFrame int64
}

func NewWSConn(c net.Conn, state ws.State) *WSConn {
	wc := &WSConn{
		Conn:  c,
		state: state,
	}
	if state == ws.StateServerSide {
		wc.r = wsutil.NewServerSideReader(c)
	} else {
		wc.r = wsutil.NewClientSideReader(c)
	}
	wc.r.OnIntermediate = wsutil.ControlFrameHandler(c, state)
	return wc
}

// Read websocket binary frames
func (c *WSConn) Read(p []byte) (int, error) {
	//帧可以很大, 所以分段读; 每个帧之前必须先 NextFrame
	if c.remainLenForLastFrame > 0 {
		n, e := c.r.Read(p)
		c.remainLenForLastFrame -= int64(n)
		if e != nil && e != io.EOF {
			return n, e
		}
		return n, nil
	}

	for {
		h, e := c.r.NextFrame()
		if e != nil {
			return 0, closedAsEOF(e)
		}
		if h.OpCode.IsControl() {
			//分片之间的控制帧在 OnIntermediate 里处理, 其它的要我们自己处理
			if e = c.r.OnIntermediate(h, c.r); e != nil {
				return 0, closedAsEOF(e)
			}
			continue
		}
		if h.OpCode != ws.OpBinary && h.OpCode != ws.OpContinuation {
			return 0, utils.ErrInErr{ErrDesc: "ws OpCode not OpBinary/OpContinuation", ErrDetail: utils.ErrInvalidData, Data: h.OpCode}
		}
		if h.Length == 0 {
			continue
		}
		c.remainLenForLastFrame = h.Length
		break
	}

	n, e := c.r.Read(p)
	c.remainLenForLastFrame -= int64(n)

	//不分片时 wsutil.Reader 会在帧末尾返回 EOF, 这不是连接的 EOF
	if e != nil && e != io.EOF {
		return n, e
	}
	return n, nil
}

// Write websocket binary frames, 不分片
func (c *WSConn) Write(p []byte) (n int, e error) {
	if c.state == ws.StateClientSide {
		e = wsutil.WriteClientBinary(c.Conn, p)
	} else {
		e = wsutil.WriteServerBinary(c.Conn, p)
	}
	if e == nil {
		n = len(p)
	}
	return
}

// CloseWrite 发送 close 帧.
func (c *WSConn) CloseWrite() error {
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	if c.state == ws.StateClientSide {
		return wsutil.WriteClientMessage(c.Conn, ws.OpClose, body)
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpClose, body)
}

func closedAsEOF(e error) error {
	var ce wsutil.ClosedError
	if errors.As(e, &ce) {
		return io.EOF
	}
	return e
}
