package httpLayer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/e1732a364fed/frontdoor/metrics"
	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultIdleTimeout       = 90 * time.Second
)

// Server 是 HTTP/1.x 的连接循环, 实现 netLayer.Handler.
// 一条连接上的请求按顺序处理, 不支持 pipelining 之外的并发.
type Server struct {
	Service Service

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration

	Metrics *metrics.Metrics
}

func (s *Server) Serve(ctx context.Context, c net.Conn) (struct{}, error) {
	err := s.serve(ctx, c)
	s.Metrics.Error(Name, err)
	return struct{}{}, err
}

func (s *Server) serve(ctx context.Context, c net.Conn) error {
	upgraded := false
	defer func() {
		if !upgraded {
			c.Close()
		}
	}()

	readTimeout := s.ReadHeaderTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadHeaderTimeout
	}
	idle := s.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	shutdown := netLayer.ShutdownRequested(ctx)
	br := bufio.NewReader(c)
	bw := bufio.NewWriter(c)

	for n := 0; ; n++ {
		if n > 0 {
			c.SetReadDeadline(time.Now().Add(idle))
			if !waitNextRequest(c, br, shutdown) {
				return nil
			}
		}
		c.SetReadDeadline(time.Now().Add(readTimeout))

		req, err := http.ReadRequest(br)
		if err != nil {
			if n > 0 && (errors.Is(err, io.EOF) || utils.IsTransportErr(err)) {
				return nil
			}
			if utils.IsTransportErr(err) {
				return err
			}
			//格式错误, 回复400
			ErrorResponse(nil, http.StatusBadRequest).Write(c)
			return utils.ErrInErr{ErrDesc: "http read request failed", ErrDetail: utils.ErrInvalidData, Data: err.Error()}
		}
		c.SetReadDeadline(time.Time{})

		reqCtx, ext := service.ChildContext(ctx)
		req = req.WithContext(reqCtx)
		req.RemoteAddr = c.RemoteAddr().String()

		resp, err := s.Service.Serve(reqCtx, req)
		if err != nil {
			utils.LogErrByKind("http service failed", err, zap.String("method", req.Method), zap.String("uri", req.RequestURI))
			status := http.StatusBadGateway
			if errors.Is(err, utils.ErrInvalidData) {
				status = http.StatusBadRequest
			}
			resp = ErrorResponse(req, status)
		}
		if resp == nil {
			resp = ErrorResponse(req, http.StatusInternalServerError)
		}

		up, hasUp := service.Get[Upgrade](ext)
		if hasUp && isSuccessOrSwitch(resp.StatusCode) {
			drainBody(resp.Body)
			if !up.WritesResponse {
				if err = writeResponseHead(c, resp); err != nil {
					return err
				}
			}
			upgraded = true

			var rest []byte
			if k := br.Buffered(); k > 0 {
				rest, _ = br.Peek(k)
			}
			if ce := utils.CanLogDebug("http upgraded"); ce != nil {
				ce.Write(zap.String("method", req.Method), zap.String("uri", req.RequestURI), zap.Int("status", resp.StatusCode))
			}
			_, err = up.Handler.Serve(reqCtx, netLayer.ReplayConn(c, rest))
			return err
		}

		select {
		case <-shutdown:
			resp.Close = true
		default:
		}
		closeAfter := req.Close || resp.Close
		resp.Close = closeAfter

		err = resp.Write(bw)
		drainBody(resp.Body)
		drainBody(req.Body)
		if err == nil {
			err = bw.Flush()
		}
		if err != nil {
			return err
		}
		if closeAfter {
			return nil
		}
	}
}

// waitNextRequest 在两个请求之间等待下一个请求的首字节.
// 空闲期间收到关闭信号时打断读取并返回 false; 已开始到达的请求不受影响.
func waitNextRequest(c net.Conn, br *bufio.Reader, shutdown <-chan struct{}) bool {
	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-shutdown:
			c.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	_, err := br.Peek(1)
	close(stop)
	<-exited

	if err != nil {
		if ce := utils.CanLogDebug("http keep-alive conn closed while idle"); ce != nil {
			ce.Write(zap.String("peer", c.RemoteAddr().String()), zap.Error(err))
		}
		return false
	}
	return true
}
