package socks5

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// boundConn 让 LocalAddr 返回固定的地址, 用来检查回复中的 BND.ADDR
type boundConn struct {
	net.Conn
	local net.Addr
}

func (b boundConn) LocalAddr() net.Addr { return b.local }

type mockConnector struct {
	conn   net.Conn
	err    error
	called chan netLayer.Addr
}

func (m *mockConnector) Connect(ctx context.Context, target netLayer.Addr) (net.Conn, error) {
	if m.called != nil {
		m.called <- target
	}
	return m.conn, m.err
}

func serveAsync(srv *Server) (net.Conn, context.Context, chan error) {
	client, server := net.Pipe()
	ctx, _ := service.EnsureExtensions(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := srv.Serve(ctx, server)
		errCh <- err
	}()
	return client, ctx, errCh
}

func mustRead(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := io.ReadFull(r, b)
	require.NoError(t, err)
	return b
}

func users() *utils.MultiUserMap {
	return utils.NewMultiUserMapByConf([]utils.UserConf{{User: "alice", Pass: "secret"}})
}

func TestConnectRoundTrip(t *testing.T) {
	upClient, upServer := net.Pipe()
	mc := &mockConnector{
		conn:   boundConn{Conn: upClient, local: &net.TCPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 4567}},
		called: make(chan netLayer.Addr, 1),
	}
	c, ctx, errCh := serveAsync(&Server{Connector: mc})

	c.Write([]byte{5, 1, 0})
	assert.Equal(t, []byte{5, 0}, mustRead(t, c, 2))

	req := []byte{5, CmdConnect, 0, ATypDomain, 11}
	req = append(req, "example.com"...)
	req = append(req, 0, 80)
	c.Write(req)

	target := <-mc.called
	assert.Equal(t, "example.com:80", target.String())

	reply := mustRead(t, c, 10)
	assert.Equal(t, []byte{5, 0, 0, ATypIP4, 10, 1, 2, 3, 4567 >> 8, 4567 & 0xff}, reply)

	pt, ok := service.GetFrom[netLayer.ProxyTarget](ctx)
	require.True(t, ok)
	assert.Equal(t, "example.com", pt.Name)

	go c.Write([]byte("ping"))
	assert.Equal(t, "ping", string(mustRead(t, upServer, 4)))
	go upServer.Write([]byte("pong"))
	assert.Equal(t, "pong", string(mustRead(t, c, 4)))

	c.Close()
	upServer.Close()
	assert.NoError(t, <-errCh)
}

func TestAuthFailureClosesConnection(t *testing.T) {
	srv := &Server{Methods: []Authenticator{UserPassAuth{Authorizer: StaticAuthorizer{Users: users()}}}}
	c, ctx, errCh := serveAsync(srv)

	c.Write([]byte{5, 1, AuthPassword})
	assert.Equal(t, []byte{5, AuthPassword}, mustRead(t, c, 2))

	require.NoError(t, WriteUserPassRequest(c, "alice", "wrong"))
	assert.Equal(t, []byte{1, UserPassStatusFailed}, mustRead(t, c, 2))

	//之后不会再处理任何请求, 连接已关闭
	c.SetReadDeadline(time.Now().Add(time.Second))
	_, err := c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	err = <-errCh
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.True(t, utils.IsAuthError(err))
	assert.Equal(t, utils.KindAuth, utils.ErrorKind(err))

	_, ok := service.GetFrom[utils.AuthenticatedUser](ctx)
	assert.False(t, ok)
}

func TestAuthSuccessStoresUser(t *testing.T) {
	srv := &Server{
		Methods:   []Authenticator{UserPassAuth{Authorizer: StaticAuthorizer{Users: users()}}},
		Connector: &mockConnector{err: &utils.UpstreamError{Target: "x", Err: syscall.ECONNREFUSED}},
	}
	c, ctx, errCh := serveAsync(srv)

	c.Write([]byte{5, 1, AuthPassword})
	mustRead(t, c, 2)
	require.NoError(t, WriteUserPassRequest(c, "alice", "secret"))
	assert.Equal(t, []byte{1, UserPassStatusOK}, mustRead(t, c, 2))

	require.NoError(t, WriteRequest(c, CmdConnect, netLayer.Addr{IP: net.IPv4(1, 2, 3, 4), Port: 443}))
	assert.Equal(t, []byte{5, RepConnectionRefused, 0, ATypIP4, 0, 0, 0, 0, 0, 0}, mustRead(t, c, 10))
	assert.Error(t, <-errCh)

	u, ok := service.GetFrom[utils.AuthenticatedUser](ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", u.Name)
}

func TestMethodSelectionUsesServerPreference(t *testing.T) {
	both := &Server{Methods: []Authenticator{
		UserPassAuth{Authorizer: StaticAuthorizer{Users: users()}},
		NoAuth{},
	}}
	assert.Equal(t, byte(AuthPassword), both.selectMethod([]byte{AuthNone, AuthPassword}).Method())
	assert.Equal(t, byte(AuthNone), both.selectMethod([]byte{AuthNone}).Method())

	onlyPass := &Server{Methods: []Authenticator{UserPassAuth{}}}
	c, _, errCh := serveAsync(onlyPass)
	c.Write([]byte{5, 1, AuthNone})
	assert.Equal(t, []byte{5, AuthNoAcceptable}, mustRead(t, c, 2))
	assert.ErrorIs(t, <-errCh, ErrNoAcceptableMethods)
}

func TestUsernameOnlyAuthorizer(t *testing.T) {
	a := UsernameOnlyAuthorizer{Users: users()}
	assert.NoError(t, a.Authorize(context.Background(), "alice", "anything"))
	assert.Error(t, a.Authorize(context.Background(), "bob", "secret"))

	f := AuthorizerFunc(func(ctx context.Context, user, pass string) error {
		if user == "ext" {
			return nil
		}
		return errors.New("unknown")
	})
	assert.NoError(t, f.Authorize(context.Background(), "ext", ""))
}

func TestRequestErrors(t *testing.T) {
	cases := []struct {
		name  string
		req   []byte
		reply []byte
	}{
		{"bind", []byte{5, CmdBind, 0, ATypIP4, 1, 2, 3, 4, 0, 80}, []byte{5, RepCommandNotSupported, 0, 1, 0, 0, 0, 0, 0, 0}},
		{"udp disabled", []byte{5, CmdUDPAssociate, 0, ATypIP4, 0, 0, 0, 0, 0, 0}, []byte{5, RepCommandNotSupported, 0, 1, 0, 0, 0, 0, 0, 0}},
		{"bad atyp", []byte{5, CmdConnect, 0, 9}, []byte{5, RepAddressTypeNotSupported, 0, 1, 0, 0, 0, 0, 0, 0}},
		{"empty domain", []byte{5, CmdConnect, 0, ATypDomain, 0, 0, 80}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _, errCh := serveAsync(&Server{Connector: &mockConnector{err: errors.New("must not be called")}})
			c.Write([]byte{5, 1, 0})
			mustRead(t, c, 2)
			go c.Write(tc.req)

			c.SetReadDeadline(time.Now().Add(time.Second))
			got, _ := io.ReadAll(c)
			assert.Equal(t, tc.reply, nilIfEmpty(got))
			err := <-errCh
			assert.ErrorIs(t, err, utils.ErrInvalidData)
		})
	}
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func TestReplyForError(t *testing.T) {
	timeoutErr := &net.OpError{Op: "dial", Err: &timeoutError{}}
	cases := []struct {
		err error
		rep byte
	}{
		{&utils.UpstreamError{Target: "a", Err: syscall.ECONNREFUSED}, RepConnectionRefused},
		{&utils.UpstreamError{Target: "a", Err: syscall.ENETUNREACH}, RepNetworkUnreachable},
		{&utils.UpstreamError{Target: "a", Err: syscall.EHOSTUNREACH}, RepHostUnreachable},
		{utils.ErrInErr{ErrDesc: "x", ErrDetail: netLayer.ErrNoSuchHost}, RepHostUnreachable},
		{&utils.UpstreamError{Target: "a", Err: netLayer.ErrUpstreamUnavailable}, RepConnectionNotAllowed},
		{&utils.UpstreamError{Target: "a", Err: ReplyError{Code: RepTTLExpired}}, RepTTLExpired},
		{timeoutErr, RepTTLExpired},
		{&utils.UpstreamError{Target: "a", Err: service.ErrTimeout}, RepTTLExpired},
		{errors.New("boom"), RepGeneralFailure},
	}
	for _, c := range cases {
		assert.Equal(t, c.rep, ReplyForError(c.err), c.err.Error())
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestUDPHeader(t *testing.T) {
	a := netLayer.Addr{Name: "example.com", Port: 53}
	pkt := AppendUDPHeader(nil, a)
	pkt = append(pkt, "query"...)

	h, payload, err := ParseUDPHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, "example.com:53", h.Addr.String())
	assert.Equal(t, "query", string(payload))

	frag := bytes.Clone(pkt)
	frag[2] = 1
	_, _, err = ParseUDPHeader(frag)
	assert.ErrorIs(t, err, ErrFragmentUnsupported)

	_, _, err = ParseUDPHeader(pkt[:6])
	assert.ErrorIs(t, err, utils.ErrInvalidData)

	v6 := AppendUDPHeader(nil, netLayer.Addr{IP: net.ParseIP("2001:db8::1"), Port: 1})
	assert.Equal(t, byte(ATypIP6), v6[3])
	assert.Len(t, v6, 3+1+16+2)
}

func listenSocks(t *testing.T, srv *Server) netLayer.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.Serve(context.Background(), c)
		}
	}()
	return netLayer.NewAddrFromTCPAddr(ln.Addr().(*net.TCPAddr))
}

func echoTCP(t *testing.T) netLayer.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(c, c)
				c.Close()
			}()
		}
	}()
	return netLayer.NewAddrFromTCPAddr(ln.Addr().(*net.TCPAddr))
}

func TestClientThroughServer(t *testing.T) {
	proxyAddr := listenSocks(t, &Server{
		Methods: []Authenticator{UserPassAuth{Authorizer: StaticAuthorizer{Users: users()}}},
	})
	echo := echoTCP(t)

	cl := &Client{Server: proxyAddr, User: "alice", Pass: "secret"}
	conn, err := cl.Connect(context.Background(), echo)
	require.NoError(t, err)
	conn.Write([]byte("hello"))
	assert.Equal(t, "hello", string(mustRead(t, conn, 5)))
	conn.Close()

	bad := &Client{Server: proxyAddr, User: "alice", Pass: "nope"}
	_, err = bad.Connect(context.Background(), echo)
	require.Error(t, err)
	assert.True(t, utils.IsAuthError(err))

	anon := &Client{Server: proxyAddr}
	_, err = anon.Connect(context.Background(), echo)
	assert.ErrorIs(t, err, ErrNoAcceptableMethods)
}

func TestClientReplyError(t *testing.T) {
	proxyAddr := listenSocks(t, &Server{
		Connector: &mockConnector{err: &utils.UpstreamError{Target: "x", Err: syscall.ECONNREFUSED}},
	})
	cl := &Client{Server: proxyAddr}
	_, err := cl.Connect(context.Background(), netLayer.Addr{Name: "example.com", Port: 80})
	var re ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, byte(RepConnectionRefused), re.Code)
	assert.Equal(t, byte(RepConnectionRefused), ReplyForError(err))
}

func TestUDPAssociate(t *testing.T) {
	echo, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := echo.ReadFromUDP(buf)
			if err != nil {
				return
			}
			echo.WriteToUDP(buf[:n], from)
		}
	}()
	echoAddr := netLayer.NewAddrFromUDPAddr(echo.LocalAddr().(*net.UDPAddr))

	proxyAddr := listenSocks(t, &Server{UDP: true})
	cl := &Client{Server: proxyAddr}
	uc, err := cl.AssociateUDP(context.Background())
	require.NoError(t, err)
	defer uc.Close()

	require.NoError(t, uc.WriteMsgTo([]byte("hello udp"), echoAddr))
	uc.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, from, err := uc.ReadMsgFrom()
	require.NoError(t, err)
	assert.Equal(t, "hello udp", string(data))
	assert.True(t, from.IP.Equal(echoAddr.IP))
	assert.Equal(t, echoAddr.Port, from.Port)
}
