package httpLayer

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/e1732a364fed/frontdoor/metrics"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// H2Server 用 x/net/http2 处理一条 h2 连接 (tls alpn 协商出 h2, 或 h2c prior knowledge), 实现 netLayer.Handler.
//
// CONNECT 请求的隧道是这个 stream 本身: 请求体为上行, 响应体为下行.
type H2Server struct {
	Service Service
	Metrics *metrics.Metrics

	h2 http2.Server
}

func NewH2Server(svc Service, m *metrics.Metrics) *H2Server {
	return &H2Server{
		Service: svc,
		Metrics: m,
		h2: http2.Server{
			IdleTimeout: DefaultIdleTimeout,
		},
	}
}

func (s *H2Server) Serve(ctx context.Context, c net.Conn) (struct{}, error) {
	defer c.Close()

	if ce := utils.CanLogDebug("h2 conn"); ce != nil {
		ce.Write(zap.String("from", c.RemoteAddr().String()))
	}

	s.h2.ServeConn(c, &http2.ServeConnOpts{
		Context: ctx,
		Handler: &h2Handler{s: s, conn: c},
	})
	return struct{}{}, nil
}

type h2Handler struct {
	s    *H2Server
	conn net.Conn
}

func (h *h2Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqCtx, ext := service.ChildContext(r.Context())
	r = r.WithContext(reqCtx)

	resp, err := h.s.Service.Serve(reqCtx, r)
	if err != nil {
		h.s.Metrics.Error(Name, err)
		utils.LogErrByKind("h2 service failed", err, zap.String("method", r.Method), zap.String("uri", r.RequestURI))
		resp = ErrorResponse(r, http.StatusBadGateway)
	}
	if resp == nil {
		resp = ErrorResponse(r, http.StatusInternalServerError)
	}
	defer drainBody(resp.Body)

	hdr := w.Header()
	for k, vs := range resp.Header {
		hdr[k] = vs
	}
	//h2 中不能有逐跳头部
	RemoveHopHeaders(hdr)

	up, hasUp := service.Get[Upgrade](ext)
	if hasUp && r.Method == http.MethodConnect && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.WriteHeader(resp.StatusCode)
		rc := http.NewResponseController(w)
		if err := rc.Flush(); err != nil {
			return
		}
		stream := &h2Stream{
			body:   r.Body,
			w:      w,
			rc:     rc,
			local:  h.conn.LocalAddr(),
			remote: h.conn.RemoteAddr(),
		}
		if _, err := up.Handler.Serve(reqCtx, stream); err != nil {
			h.s.Metrics.Error(Name, err)
		}
		//handler 返回后 stream 即结束
		stream.Close()
		return
	}

	if resp.ContentLength > 0 {
		hdr.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		io.Copy(w, resp.Body)
	}
}

// h2Stream 把一个 h2 CONNECT stream 包装成 net.Conn.
type h2Stream struct {
	body io.ReadCloser
	w    io.Writer
	rc   *http.ResponseController

	local, remote net.Addr

	closeOnce sync.Once
}

func (c *h2Stream) Read(p []byte) (int, error) { return c.body.Read(p) }

func (c *h2Stream) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, c.rc.Flush()
}

func (c *h2Stream) Close() (err error) {
	c.closeOnce.Do(func() {
		err = c.body.Close()
	})
	return
}

func (c *h2Stream) LocalAddr() net.Addr  { return c.local }
func (c *h2Stream) RemoteAddr() net.Addr { return c.remote }

func (c *h2Stream) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	return c.SetWriteDeadline(t)
}

func (c *h2Stream) SetReadDeadline(t time.Time) error {
	if err := c.rc.SetReadDeadline(t); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (c *h2Stream) SetWriteDeadline(t time.Time) error {
	if err := c.rc.SetWriteDeadline(t); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

var _ net.Conn = (*h2Stream)(nil)
