package mixed_test

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/e1732a364fed/frontdoor/graceful"
	"github.com/e1732a364fed/frontdoor/httpLayer"
	"github.com/e1732a364fed/frontdoor/metrics"
	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/proxy/mixed"
	"github.com/e1732a364fed/frontdoor/proxy/socks5"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/tlsLayer"
	"github.com/e1732a364fed/frontdoor/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

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

func serve(t *testing.T, h netLayer.Handler) netLayer.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	sd := graceful.New(context.Background())
	go netLayer.Serve(ln, h, sd)
	t.Cleanup(func() {
		sd.Trigger()
		sd.Wait(time.Second)
	})
	return netLayer.NewAddrFromTCPAddr(ln.Addr().(*net.TCPAddr))
}

func acceptor(t *testing.T) *tlsLayer.Acceptor {
	t.Helper()
	d, err := tlsLayer.GenerateRandomServerAuthData("front")
	require.NoError(t, err)
	iss, err := tlsLayer.NewStaticIssuer(d)
	require.NoError(t, err)
	a, err := tlsLayer.NewAcceptor(tlsLayer.AcceptorConf{Issuer: iss})
	require.NoError(t, err)
	return a
}

var users = utils.NewMultiUserMapByConf([]utils.UserConf{{User: "alice", Pass: "secret"}})

func fullOptions(t *testing.T) mixed.Options {
	authz := socks5.StaticAuthorizer{Users: users}
	tunnel := &httpLayer.TunnelHandler{}
	return mixed.Options{
		TLS: acceptor(t),
		Socks5: &socks5.Server{Methods: []socks5.Authenticator{
			socks5.UserPassAuth{Authorizer: authz},
		}},
		HTTP: httpLayer.Stack(httpLayer.NewForward(nil),
			httpLayer.ProxyAuth{Authorizer: authz},
			httpLayer.Connect(tunnel),
		),
		PeekTimeout: time.Second,
	}
}

func assertEcho(t *testing.T, c net.Conn, msg string) {
	t.Helper()
	_, err := c.Write([]byte(msg))
	require.NoError(t, err)
	got := make([]byte, len(msg))
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, msg, string(got))
}

func tlsDialer(alpn ...string) netLayer.Connector {
	conf := &tlsLayer.ClientConf{Insecure: true, ALPN: alpn}
	return netLayer.ConnectorFunc(func(ctx context.Context, a netLayer.Addr) (net.Conn, error) {
		c, err := (&netLayer.DirectConnector{}).Connect(ctx, a)
		if err != nil {
			return nil, err
		}
		return conf.Handshake(ctx, c)
	})
}

func TestPlainProtocols(t *testing.T) {
	echo := echoTCP(t)
	h, err := mixed.New(fullOptions(t))
	require.NoError(t, err)
	front := serve(t, h)
	ctx := context.Background()

	t.Run("socks5", func(t *testing.T) {
		c, err := (&socks5.Client{Server: front, User: "alice", Pass: "secret"}).Connect(ctx, echo)
		require.NoError(t, err)
		defer c.Close()
		assertEcho(t, c, "socks5 plain")
	})

	t.Run("http connect", func(t *testing.T) {
		c, err := (&httpLayer.ConnectClient{Server: front, User: "alice", Pass: "secret"}).Connect(ctx, echo)
		require.NoError(t, err)
		defer c.Close()
		assertEcho(t, c, "http plain")
	})

	t.Run("http connect without auth", func(t *testing.T) {
		_, err := (&httpLayer.ConnectClient{Server: front}).Connect(ctx, echo)
		require.Error(t, err)
		assert.True(t, utils.IsAuthError(err))
	})
}

func TestTLSProtocols(t *testing.T) {
	echo := echoTCP(t)
	h, err := mixed.New(fullOptions(t))
	require.NoError(t, err)
	front := serve(t, h)
	ctx := context.Background()

	t.Run("socks5 in tls", func(t *testing.T) {
		c, err := (&socks5.Client{Server: front, User: "alice", Pass: "secret", Dialer: tlsDialer()}).Connect(ctx, echo)
		require.NoError(t, err)
		defer c.Close()
		assertEcho(t, c, "socks5 over tls")
	})

	t.Run("http1 in tls", func(t *testing.T) {
		cc := &httpLayer.ConnectClient{
			Server: front, User: "alice", Pass: "secret",
			TLS: &tlsLayer.ClientConf{Insecure: true, ALPN: []string{httpLayer.H11_Str}},
		}
		c, err := cc.Connect(ctx, echo)
		require.NoError(t, err)
		defer c.Close()
		assertEcho(t, c, "https proxy")
	})

	t.Run("h2 in tls", func(t *testing.T) {
		tr := &http2.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
		defer tr.CloseIdleConnections()
		h2Connect(t, tr, "https", front, echo)
	})
}

func TestH2C(t *testing.T) {
	echo := echoTCP(t)
	h, err := mixed.New(fullOptions(t))
	require.NoError(t, err)
	front := serve(t, h)

	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	defer tr.CloseIdleConnections()
	h2Connect(t, tr, "http", front, echo)
}

func h2Connect(t *testing.T, tr *http2.Transport, scheme string, front, echo netLayer.Addr) {
	t.Helper()
	pr, pw := io.Pipe()
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Scheme: scheme, Host: front.String()},
		Host:   echo.String(),
		Header: http.Header{"Proxy-Authorization": {httpLayer.BasicAuth("alice", "secret")}},
		Body:   pr,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := tr.RoundTrip(req.WithContext(ctx))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = pw.Write([]byte("h2 tunnel"))
	require.NoError(t, err)
	got := make([]byte, 9)
	_, err = io.ReadFull(resp.Body, got)
	require.NoError(t, err)
	assert.Equal(t, "h2 tunnel", string(got))
	pw.Close()
}

func TestSNIPassthrough(t *testing.T) {
	d, err := tlsLayer.GenerateRandomServerAuthData("pass.example")
	require.NoError(t, err)
	cert, err := d.Certificate()
	require.NoError(t, err)
	backend, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{*cert}})
	require.NoError(t, err)
	defer backend.Close()
	go func() {
		for {
			c, err := backend.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(c, c)
				c.Close()
			}()
		}
	}()

	opts := fullOptions(t)
	opts.Passthrough = []mixed.Passthrough{{
		Names:  []string{"pass.example"},
		Target: netLayer.NewAddrFromTCPAddr(backend.Addr().(*net.TCPAddr)),
	}}
	h, err := mixed.New(opts)
	require.NoError(t, err)
	front := serve(t, h)

	c, err := tls.Dial("tcp", front.String(), &tls.Config{ServerName: "pass.example", InsecureSkipVerify: true})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "pass.example", c.ConnectionState().PeerCertificates[0].Subject.CommonName)
	assertEcho(t, c, "not decrypted by the front door")

	//其它 sni 仍由前门自己终结
	c2, err := tls.Dial("tcp", front.String(), &tls.Config{ServerName: "other.example", InsecureSkipVerify: true})
	require.NoError(t, err)
	defer c2.Close()
	assert.Equal(t, "front", c2.ConnectionState().PeerCertificates[0].Subject.CommonName)
}

func TestIPFilter(t *testing.T) {
	echo := echoTCP(t)
	f, err := netLayer.NewIPFilter(nil, []string{"127.0.0.0/8"})
	require.NoError(t, err)
	opts := fullOptions(t)
	opts.Filters = []netLayer.ConnLayer{f}
	h, err := mixed.New(opts)
	require.NoError(t, err)
	front := serve(t, h)

	_, err = (&socks5.Client{Server: front, User: "alice", Pass: "secret"}).Connect(context.Background(), echo)
	assert.Error(t, err)
}

func TestConcurrencyLimit(t *testing.T) {
	echo := echoTCP(t)
	opts := fullOptions(t)
	opts.Limit = service.NewConcurrentPolicy(1, nil)
	opts.Metrics = metrics.New()
	h, err := mixed.New(opts)
	require.NoError(t, err)
	front := serve(t, h)
	ctx := context.Background()
	cl := &socks5.Client{Server: front, User: "alice", Pass: "secret"}

	first, err := cl.Connect(ctx, echo)
	require.NoError(t, err)
	assertEcho(t, first, "holding the only slot")

	_, err = cl.Connect(ctx, echo)
	assert.Error(t, err)

	first.Close()
	assert.Eventually(t, func() bool {
		c, err := cl.Connect(ctx, echo)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 3*time.Second, 50*time.Millisecond)

	n, err := testutil.GatherAndCount(opts.Metrics.Registry(), "frontdoor_connections_total")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestNewNeedsAProtocol(t *testing.T) {
	_, err := mixed.New(mixed.Options{})
	assert.ErrorIs(t, err, utils.ErrWrongParameter)
}
