package machine

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/e1732a364fed/frontdoor/netLayer"
	"go.uber.org/atomic"
)

// Stats 是自启动以来的全局统计, 与 metrics 中的数字独立, 不开 metrics 时也可用.
type Stats struct {
	ActiveConnectionCount      atomic.Int32
	AllConnectionCount         atomic.Uint64
	AllDownloadBytesSinceStart atomic.Uint64
	AllUploadBytesSinceStart   atomic.Uint64
}

func (s *Stats) Print(w io.Writer) {
	fmt.Fprintln(w, "activeConnectionCount", s.ActiveConnectionCount.Load())
	fmt.Fprintln(w, "allConnectionCount", s.AllConnectionCount.Load())
	fmt.Fprintln(w, "allDownloadBytesSinceStart", s.AllDownloadBytesSinceStart.Load())
	fmt.Fprintln(w, "allUploadBytesSinceStart", s.AllUploadBytesSinceStart.Load())
}

// connLayer 统计入站连接数.
func (s *Stats) connLayer() netLayer.ConnLayer {
	return netLayer.ConnLayerFunc(func(inner netLayer.Handler) netLayer.Handler {
		return netLayer.HandlerFunc(func(ctx context.Context, c net.Conn) (struct{}, error) {
			s.AllConnectionCount.Inc()
			s.ActiveConnectionCount.Inc()
			defer s.ActiveConnectionCount.Dec()
			return inner.Serve(ctx, c)
		})
	})
}

// wrapConnector 统计出站连接上的字节数: 写入为上传, 读出为下载.
func (s *Stats) wrapConnector(inner netLayer.Connector) netLayer.Connector {
	return netLayer.ConnectorFunc(func(ctx context.Context, target netLayer.Addr) (net.Conn, error) {
		c, err := inner.Connect(ctx, target)
		if err != nil {
			return nil, err
		}
		return &countingConn{Conn: c, s: s}, nil
	})
}

type countingConn struct {
	net.Conn
	s *Stats
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.s.AllDownloadBytesSinceStart.Add(uint64(n))
	}
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.s.AllUploadBytesSinceStart.Add(uint64(n))
	}
	return n, err
}

// CloseWrite 让 Relay 的半关闭穿过包装; 底层不支持半关闭时整个关闭.
func (c *countingConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
