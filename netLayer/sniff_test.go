package netLayer_test

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder 记录自己被选中, 并读出整个连接的内容
type recorder struct {
	name string
	got  chan string
}

func newRecorder(name string) *recorder {
	return &recorder{name: name, got: make(chan string, 1)}
}

func (r *recorder) Serve(ctx context.Context, c net.Conn) (struct{}, error) {
	defer c.Close()
	bs, _ := io.ReadAll(c)
	r.got <- r.name + ":" + string(bs)
	return struct{}{}, nil
}

func runRouter(t *testing.T, r *netLayer.PeekRouter, send func(c net.Conn)) (context.Context, chan error) {
	t.Helper()
	client, server := net.Pipe()
	ctx, _ := service.EnsureExtensions(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Serve(ctx, server)
		errCh <- err
	}()
	go func() {
		send(client)
		client.Close()
	}()
	return ctx, errCh
}

func waitGot(t *testing.T, r *recorder) string {
	t.Helper()
	select {
	case s := <-r.got:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
	return ""
}

func TestPeekRouterReplaysPrefix(t *testing.T) {
	a := newRecorder("tls")
	fb := newRecorder("fb")
	r := &netLayer.PeekRouter{
		Routes:   []netLayer.Route{{Name: "tls", Matcher: netLayer.TLSMatcher, Handler: a}},
		Fallback: fb,
	}

	payload := "\x16\x03\x01\x00\x05hello world"
	ctx, errCh := runRouter(t, r, func(c net.Conn) { c.Write([]byte(payload)) })

	assert.Equal(t, "tls:"+payload, waitGot(t, a))
	assert.NoError(t, <-errCh)

	p, ok := service.GetFrom[netLayer.DetectedProtocol](ctx)
	assert.True(t, ok)
	assert.EqualValues(t, "tls", p)
}

func TestPeekRouterPriority(t *testing.T) {
	long := newRecorder("long")
	short := newRecorder("short")
	r := &netLayer.PeekRouter{
		Routes: []netLayer.Route{
			{Name: "long", Matcher: netLayer.PrefixMatcher("AB"), Handler: long},
			{Name: "short", Matcher: netLayer.PrefixMatcher("A"), Handler: short},
		},
	}

	//先只发 "A", 高优先级的匹配器需要更多字节, 路由器必须等待而不是选中 short
	_, errCh := runRouter(t, r, func(c net.Conn) {
		c.Write([]byte("A"))
		time.Sleep(30 * time.Millisecond)
		c.Write([]byte("BC"))
	})
	assert.Equal(t, "long:ABC", waitGot(t, long))
	assert.NoError(t, <-errCh)

	_, errCh = runRouter(t, r, func(c net.Conn) { c.Write([]byte("AC")) })
	assert.Equal(t, "short:AC", waitGot(t, short))
	assert.NoError(t, <-errCh)
}

// 无论首包在哪里被切开, 选中的路由和交付的字节都与一次写完时相同.
func TestPeekRouterSplitWrites(t *testing.T) {
	recs := map[string]*recorder{}
	route := func(name string, m netLayer.Matcher) netLayer.Route {
		recs[name] = newRecorder(name)
		return netLayer.Route{Name: name, Matcher: m, Handler: recs[name]}
	}
	fb := newRecorder("fb")
	r := &netLayer.PeekRouter{
		Routes: []netLayer.Route{
			route("h2", netLayer.H2PrefaceMatcher),
			route("tls", netLayer.TLSMatcher),
			route("socks5", netLayer.Socks5Matcher),
			route("http", netLayer.HTTP1Matcher),
		},
		Fallback: fb,
	}
	recs["fb"] = fb

	clientHello := "\x16\x03\x01\x00\x2f\x01\x00\x00\x2b\x03\x03" + strings.Repeat("\x5a", 32) + "\x00\x00\x02\x13\x01\x01\x00"
	cases := []struct {
		route string
		in    string
	}{
		{"tls", clientHello},
		{"socks5", "\x05\x02\x00\x02"},
		{"h2", netLayer.H2Preface + "\x00\x00\x00\x04\x00\x00\x00\x00\x00"},
		{"http", "GET /index.html HTTP/1.1\r\nHost: a.example\r\n\r\n"},
		{"fb", "SSH-2.0-OpenSSH_9.6\r\n"},
	}

	run := func(first, second string) string {
		_, errCh := runRouter(t, r, func(c net.Conn) {
			if first != "" {
				c.Write([]byte(first))
				time.Sleep(5 * time.Millisecond)
			}
			if second != "" {
				c.Write([]byte(second))
			}
		})
		var got string
		select {
		case got = <-recs["h2"].got:
		case got = <-recs["tls"].got:
		case got = <-recs["socks5"].got:
		case got = <-recs["http"].got:
		case got = <-fb.got:
		case <-time.After(2 * time.Second):
			t.Fatal("no handler was called")
		}
		<-errCh
		return got
	}

	for _, c := range cases {
		whole := run(c.in, "")
		require.Equal(t, c.route+":"+c.in, whole)
		for k := 0; k <= len(c.in); k++ {
			assert.Equal(t, whole, run(c.in[:k], c.in[k:]), "%s split at %d", c.route, k)
		}
	}
}

func TestPeekRouterFallbackAndNoMatch(t *testing.T) {
	s5 := newRecorder("socks5")
	fb := newRecorder("http")
	r := &netLayer.PeekRouter{
		Routes: []netLayer.Route{
			{Name: "tls", Matcher: netLayer.TLSMatcher, Handler: newRecorder("tls")},
			{Name: "socks5", Matcher: netLayer.Socks5Matcher, Handler: s5},
		},
		Fallback: fb,
	}

	_, errCh := runRouter(t, r, func(c net.Conn) { c.Write([]byte("\x05\x01\x00")) })
	assert.Equal(t, "socks5:\x05\x01\x00", waitGot(t, s5))
	<-errCh

	req := "GET / HTTP/1.1\r\nHost: x\r\n\r\n"
	_, errCh = runRouter(t, r, func(c net.Conn) { c.Write([]byte(req)) })
	assert.Equal(t, "http:"+req, waitGot(t, fb))
	<-errCh

	noFallback := &netLayer.PeekRouter{Routes: r.Routes}
	_, errCh = runRouter(t, noFallback, func(c net.Conn) { c.Write([]byte("garbage")) })
	assert.ErrorIs(t, <-errCh, netLayer.ErrNoMatch)
}

func TestPeekRouterEOFBeforeAnyByte(t *testing.T) {
	fb := newRecorder("fb")
	r := &netLayer.PeekRouter{Fallback: fb}
	_, errCh := runRouter(t, r, func(c net.Conn) {})
	assert.Error(t, <-errCh)
	select {
	case <-fb.got:
		t.Fatal("fallback should not be called for an empty connection")
	default:
	}
}

func TestPeekRouterShortPrefixAtEOF(t *testing.T) {
	tls := newRecorder("tls")
	fb := newRecorder("fb")
	r := &netLayer.PeekRouter{
		Routes:   []netLayer.Route{{Name: "tls", Matcher: netLayer.TLSMatcher, Handler: tls}},
		Fallback: fb,
	}
	//只有一个 0x16 就 EOF 了, NeedMore 按 NoMatch 处理
	_, errCh := runRouter(t, r, func(c net.Conn) { c.Write([]byte{0x16}) })
	assert.Equal(t, "fb:\x16", waitGot(t, fb))
	<-errCh
}

func TestPeekRouterTimeoutPolicy(t *testing.T) {
	fb := newRecorder("fb")
	r := &netLayer.PeekRouter{
		Routes:      []netLayer.Route{{Name: "tls", Matcher: netLayer.TLSMatcher, Handler: newRecorder("tls")}},
		Fallback:    fb,
		PeekTimeout: 30 * time.Millisecond,
	}

	release := make(chan struct{})
	_, errCh := runRouter(t, r, func(c net.Conn) {
		c.Write([]byte{0x16})
		<-release
		c.Write([]byte("rest"))
	})
	assert.Equal(t, "fb:\x16rest", func() string {
		go func() { time.Sleep(60 * time.Millisecond); close(release) }()
		return waitGot(t, fb)
	}())
	<-errCh

	r.TimeoutPolicy = netLayer.TimeoutClose
	release2 := make(chan struct{})
	_, errCh = runRouter(t, r, func(c net.Conn) {
		c.Write([]byte{0x16})
		<-release2
	})
	assert.ErrorIs(t, <-errCh, netLayer.ErrPeekTimeout)
	close(release2)
}

func TestMatchers(t *testing.T) {
	cases := []struct {
		m      netLayer.Matcher
		in     string
		expect netLayer.MatchResult
	}{
		{netLayer.TLSMatcher, "", netLayer.NeedMore},
		{netLayer.TLSMatcher, "\x16", netLayer.NeedMore},
		{netLayer.TLSMatcher, "\x16\x03", netLayer.NeedMore},
		{netLayer.TLSMatcher, "\x16\x03\x01", netLayer.Match},
		{netLayer.TLSMatcher, "\x16\x03\x09", netLayer.NoMatch},
		{netLayer.TLSMatcher, "\x16\x02", netLayer.NoMatch},
		{netLayer.Socks5Matcher, "\x05", netLayer.NeedMore},
		{netLayer.Socks5Matcher, "\x05\x02\x00\x02", netLayer.Match},
		{netLayer.Socks5Matcher, "\x05\x00", netLayer.NoMatch},
		{netLayer.Socks5Matcher, "\x05\x01\xff", netLayer.NoMatch},
		{netLayer.Socks5Matcher, "\x04\x01", netLayer.NoMatch},
		{netLayer.HTTP1Matcher, "CONN", netLayer.NeedMore},
		{netLayer.HTTP1Matcher, "CONNECT a:1 HTTP/1.1", netLayer.Match},
		{netLayer.HTTP1Matcher, "BREW ", netLayer.NoMatch},
		{netLayer.H2PrefaceMatcher, "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n", netLayer.Match},
		{netLayer.H2PrefaceMatcher, "PRI * HTTP/2", netLayer.NeedMore},
	}
	for i, c := range cases {
		require.Equal(t, c.expect, c.m.Match([]byte(c.in)), "case %d %q", i, c.in)
	}
}

func TestPeekConn(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		client.Write([]byte("hello "))
		client.Write([]byte("world"))
		client.Close()
	}()
	pc := netLayer.NewPeekConn(server)
	bs, err := pc.Peek(3)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(bs))
	assert.Same(t, pc, netLayer.NewPeekConn(pc))

	all, err := io.ReadAll(pc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(all))
}

func TestReplayConn(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		client.Write([]byte("tail"))
		client.Close()
	}()
	c := netLayer.ReplayConn(server, []byte("head-"))
	all, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "head-tail", string(all))
}
