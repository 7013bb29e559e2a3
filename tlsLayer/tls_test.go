package tlsLayer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAuthData(t *testing.T, cn string) ServerAuthData {
	t.Helper()
	d, err := GenerateRandomServerAuthData(cn)
	require.NoError(t, err)
	return d
}

func threeCertIssuer(t *testing.T) *SNIIssuer {
	t.Helper()
	iss := NewSNIIssuer()
	require.NoError(t, iss.Add("example", mustAuthData(t, "example")))
	require.NoError(t, iss.Add("second.example", mustAuthData(t, "second.example")))
	require.NoError(t, iss.SetDefault(mustAuthData(t, "default")))
	return iss
}

type stHandler struct {
	got chan SecureTransport
}

func (h *stHandler) Serve(ctx context.Context, c net.Conn) (struct{}, error) {
	defer c.Close()
	st, _ := service.GetFrom[SecureTransport](ctx)
	h.got <- st
	io.Copy(io.Discard, c)
	return struct{}{}, nil
}

// tcpPair 返回一对回环 tcp 连接. tls 握手不用 net.Pipe, 因为服务端一次写出多个 record 时会互相等待
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	ch := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		ch <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-ch
	require.NotNil(t, server)
	return client, server
}

// dialThrough 用 tls.Client 连接 handler, 返回服务端证书的 CN 与协商出的 alpn
func dialThrough(t *testing.T, h netLayer.Handler, sni string, alpn []string) (string, string, error) {
	t.Helper()
	client, server := tcpPair(t)
	ctx, _ := service.EnsureExtensions(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.Serve(ctx, server)
		errCh <- err
	}()

	cc := tls.Client(client, &tls.Config{ServerName: sni, InsecureSkipVerify: true, NextProtos: alpn})
	err := cc.Handshake()
	if err != nil {
		client.Close()
		return "", "", <-errCh
	}
	state := cc.ConnectionState()
	cc.Close()
	require.NoError(t, <-errCh)
	return state.PeerCertificates[0].Subject.CommonName, state.NegotiatedProtocol, nil
}

func TestAcceptorSNISelection(t *testing.T) {
	acc, err := NewAcceptor(AcceptorConf{Issuer: threeCertIssuer(t), StoreClientHello: true})
	require.NoError(t, err)

	h := &stHandler{got: make(chan SecureTransport, 8)}
	svc := acc.Layer(h)

	cases := []struct{ sni, cn string }{
		{"second.example", "second.example"},
		{"example", "example"},
		{"SECOND.example", "second.example"},
		{"unknown.example", "default"},
		{"", "default"},
	}
	for _, c := range cases {
		cn, _, err := dialThrough(t, svc, c.sni, nil)
		require.NoError(t, err, c.sni)
		assert.Equal(t, c.cn, cn, "sni %q", c.sni)

		st := <-h.got
		assert.Equal(t, uint16(tls.VersionTLS13), st.Version)
		require.NotNil(t, st.ClientHello)
		assert.True(t, strings.EqualFold(c.sni, st.ClientHello.ServerName))
	}
}

func TestSNIIssuerPolicy(t *testing.T) {
	iss := threeCertIssuer(t)
	cnOf := func(sni string) string {
		c, err := iss.IssueCert(context.Background(), &ClientHello{ServerName: sni})
		require.NoError(t, err)
		leaf, err := x509.ParseCertificate(c.Certificate[0])
		require.NoError(t, err)
		return leaf.Subject.CommonName
	}
	assert.Equal(t, "default", cnOf("127.0.0.1"))
	assert.Equal(t, "default", cnOf("::1"))
	assert.Equal(t, "second.example", cnOf("second.example."))

	require.NoError(t, iss.Add("*.wild.example", mustAuthData(t, "wild")))
	assert.Equal(t, "wild", cnOf("a.wild.example"))
	assert.Equal(t, "default", cnOf("a.b.wild.example"))

	assert.Error(t, iss.Add("bad domain", mustAuthData(t, "x")))

	noDefault := NewSNIIssuer()
	require.NoError(t, noDefault.Add("example", mustAuthData(t, "example")))
	_, err := noDefault.IssueCert(context.Background(), &ClientHello{ServerName: "other"})
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestAcceptorIssuerFailureAborts(t *testing.T) {
	failing := IssuerFunc(func(ctx context.Context, hello *ClientHello) (*tls.Certificate, error) {
		return nil, errors.New("backend down")
	})
	acc, err := NewAcceptor(AcceptorConf{Issuer: failing})
	require.NoError(t, err)

	h := &stHandler{got: make(chan SecureTransport, 1)}
	_, _, err = dialThrough(t, acc.Layer(h), "example", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrInvalidData)
	assert.Len(t, h.got, 0)
}

func TestAcceptorALPNServerPreference(t *testing.T) {
	iss, err := NewStaticIssuer(mustAuthData(t, "static"))
	require.NoError(t, err)
	acc, err := NewAcceptor(AcceptorConf{Issuer: iss, ALPN: []string{"h2", "http/1.1", "h2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"h2", "http/1.1"}, acc.ALPN())

	h2 := &stHandler{got: make(chan SecureTransport, 1)}
	h1 := &stHandler{got: make(chan SecureTransport, 1)}
	router := &ALPNRouter{Routes: map[string]netLayer.Handler{"h2": h2}, Fallback: h1}
	svc := acc.Layer(router)

	_, proto, err := dialThrough(t, svc, "static", []string{"http/1.1", "h2"})
	require.NoError(t, err)
	assert.Equal(t, "h2", proto)
	assert.Equal(t, "h2", (<-h2.got).NegotiatedALPN)

	_, proto, err = dialThrough(t, svc, "static", nil)
	require.NoError(t, err)
	assert.Equal(t, "", proto)
	<-h1.got
}

func TestCachedIssuer(t *testing.T) {
	calls := 0
	d := mustAuthData(t, "cached")
	inner := IssuerFunc(func(ctx context.Context, hello *ClientHello) (*tls.Certificate, error) {
		calls++
		return d.Certificate()
	})
	c := &CachedIssuer{Inner: inner}
	a, err := c.IssueCert(context.Background(), &ClientHello{ServerName: "A.example"})
	require.NoError(t, err)
	b, err := c.IssueCert(context.Background(), &ClientHello{ServerName: "a.example"})
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, calls)

	c.Forget("a.example")
	_, err = c.IssueCert(context.Background(), &ClientHello{ServerName: "a.example"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestServerAuthDataDER(t *testing.T) {
	certPEM, keyPEM, err := GenerateRandomCertKey("der.example")
	require.NoError(t, err)
	cb, _ := pem.Decode(certPEM)
	kb, _ := pem.Decode(keyPEM)

	d := ServerAuthData{Encoding: DER, CertChain: [][]byte{cb.Bytes}, PrivateKey: kb.Bytes}
	c, err := d.Certificate()
	require.NoError(t, err)
	assert.Equal(t, "der.example", c.Leaf.Subject.CommonName)
	assert.Equal(t, []string{"der.example"}, c.Leaf.DNSNames)

	_, otherKey, err := GenerateRandomCertKey("other")
	require.NoError(t, err)
	ob, _ := pem.Decode(otherKey)
	d.PrivateKey = ob.Bytes
	_, err = d.Certificate()
	assert.Error(t, err)

	_, err = ServerAuthData{}.Certificate()
	assert.ErrorIs(t, err, utils.ErrNilParameter)
}

// captureClientHello 返回 crypto/tls 客户端发出的第一个 record
func captureClientHello(t *testing.T, sni string, alpn []string) []byte {
	t.Helper()
	client, server := net.Pipe()
	defer server.Close()
	go func() {
		tls.Client(client, &tls.Config{ServerName: sni, NextProtos: alpn, InsecureSkipVerify: true}).Handshake()
		client.Close()
	}()
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	hdr := make([]byte, 5)
	_, err := io.ReadFull(server, hdr)
	require.NoError(t, err)
	body := make([]byte, int(hdr[3])<<8|int(hdr[4]))
	_, err = io.ReadFull(server, body)
	require.NoError(t, err)
	return append(hdr, body...)
}

func TestParseClientHelloRecord(t *testing.T) {
	rec := captureClientHello(t, "a.example", []string{"h2", "http/1.1"})

	ch, err := ParseClientHelloRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, "a.example", ch.ServerName)
	assert.Equal(t, []string{"h2", "http/1.1"}, ch.ALPN)
	assert.Contains(t, ch.SupportedVersions, uint16(tls.VersionTLS13))
	assert.NotEmpty(t, ch.CipherSuites)

	_, err = ParseClientHelloRecord(rec[:3])
	assert.ErrorIs(t, err, utils.ErrShortRead)
	_, err = ParseClientHelloRecord(rec[:len(rec)-1])
	assert.ErrorIs(t, err, utils.ErrShortRead)

	_, err = ParseClientHelloRecord([]byte("GET / HTTP/1.1\r\n"))
	assert.ErrorIs(t, err, utils.ErrInvalidData)
}

func TestSNIMatcher(t *testing.T) {
	rec := captureClientHello(t, "api.example", nil)

	assert.Equal(t, netLayer.Match, SNIMatcher("api.example").Match(rec))
	assert.Equal(t, netLayer.Match, SNIMatcher("*.example").Match(rec))
	assert.Equal(t, netLayer.NoMatch, SNIMatcher("other.example").Match(rec))
	assert.Equal(t, netLayer.NeedMore, SNIMatcher("api.example").Match(rec[:40]))
	assert.Equal(t, netLayer.NoMatch, SNIMatcher("api.example").Match([]byte{0x05, 0x01, 0x00}))

	pc := netLayer.NewPeekConn(netLayer.ReplayConn(nopConn{}, rec))
	ch, err := PeekClientHello(pc)
	require.NoError(t, err)
	assert.Equal(t, "api.example", ch.ServerName)
	assert.Len(t, pc.Buffered(), len(rec))
}

type nopConn struct{ net.Conn }

func (nopConn) Read([]byte) (int, error) { return 0, io.EOF }
func (nopConn) Close() error             { return nil }

func TestClientConfHandshake(t *testing.T) {
	iss, err := NewStaticIssuer(mustAuthData(t, "upstream.example"))
	require.NoError(t, err)
	acc, err := NewAcceptor(AcceptorConf{Issuer: iss})
	require.NoError(t, err)

	client, server := tcpPair(t)
	h := &stHandler{got: make(chan SecureTransport, 1)}
	go acc.Layer(h).Serve(context.Background(), server)

	cc := &ClientConf{ServerName: "upstream.example", Insecure: true, ALPN: []string{"http/1.1"}}
	conn, err := cc.Handshake(context.Background(), client)
	require.NoError(t, err)
	st := <-h.got
	assert.Equal(t, "http/1.1", st.NegotiatedALPN)
	assert.Equal(t, "upstream.example", st.ServerName)
	conn.Close()

	_, ok := fingerprintID("")
	assert.False(t, ok)
	id, ok := fingerprintID("firefox")
	assert.True(t, ok)
	assert.NotEqual(t, "", id.Client)
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.3")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), v)
	_, err = ParseVersion("1.4")
	assert.Error(t, err)
	assert.Equal(t, "tls1.2", VersionName(tls.VersionTLS12))
}
