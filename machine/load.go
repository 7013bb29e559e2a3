package machine

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/e1732a364fed/frontdoor/config"
	"github.com/e1732a364fed/frontdoor/httpLayer"
	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/proxy/mixed"
	"github.com/e1732a364fed/frontdoor/proxy/socks5"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/tlsLayer"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// 可选上游连接失败后被跳过的时长
const upstreamDownFor = 30 * time.Second

// 达到 max_conns 时若开启 limit_backoff, 按这个退避等待空位
var limitBackoff = service.ExponentialBackoff{
	Min:      20 * time.Millisecond,
	Max:      time.Second,
	Attempts: 5,
	Jitter:   0.2,
}

func loadResolver(dc *config.DNSConf) (netLayer.Resolver, error) {
	if dc == nil || len(dc.Servers) == 0 {
		return netLayer.SystemResolver{}, nil
	}
	servers := make([]netLayer.DNSServer, 0, len(dc.Servers))
	for _, s := range dc.Servers {
		ds, err := netLayer.ParseDNSServer(s)
		if err != nil {
			return nil, err
		}
		servers = append(servers, ds)
	}
	return netLayer.NewDNSResolver(servers, time.Duration(dc.TimeoutMs)*time.Millisecond), nil
}

func loadDirect(dc *config.DNSConf, r netLayer.Resolver) *netLayer.DirectConnector {
	d := &netLayer.DirectConnector{Resolver: r}
	if dc != nil {
		d.PreferIPv6 = dc.PreferIPv6
		d.FallbackDelay = time.Duration(dc.HappyEyeballsDelayMs) * time.Millisecond
	}
	return d
}

// NewClient 按 dial 配置创建上游代理的 Connector. 到上游代理本身的连接由 direct 建立.
func NewClient(dc *config.DialConf, direct netLayer.Connector) (netLayer.Connector, error) {
	server, err := netLayer.ParseAuthority(dc.GetAddrStr(), 0)
	if err != nil {
		return nil, err
	}
	switch dc.Protocol {
	case socks5.Name:
		return &socks5.Client{Server: server, User: dc.User, Pass: dc.Pass, Dialer: direct}, nil
	case "http", "https":
		cc := &httpLayer.ConnectClient{Server: server, User: dc.User, Pass: dc.Pass, Dialer: direct}
		if dc.Protocol == "https" {
			sn := dc.ServerName
			if sn == "" {
				sn = dc.Host
			}
			cc.TLS = &tlsLayer.ClientConf{
				ServerName:  sn,
				Insecure:    dc.Insecure,
				ALPN:        []string{httpLayer.H11_Str},
				Fingerprint: dc.Utls,
			}
		}
		return cc, nil
	}
	return nil, utils.ErrInErr{ErrDesc: "unsupported dial protocol", ErrDetail: utils.ErrWrongParameter, Data: dc.Protocol}
}

// upstreamHealth 在连不上上游代理本身时, 把它标记为不可用一段时间, 供 optional 的链接跳过.
// 经由上游连接目标失败(比如目标拒绝)不算.
type upstreamHealth struct {
	netLayer.Connector
	downFor   time.Duration
	downUntil atomic.Int64
}

func (u *upstreamHealth) Available(context.Context) bool {
	return time.Now().UnixNano() >= u.downUntil.Load()
}

func (u *upstreamHealth) Connect(ctx context.Context, target netLayer.Addr) (net.Conn, error) {
	c, err := u.Connector.Connect(ctx, target)
	if err != nil && isDialErr(err) {
		u.downUntil.Store(time.Now().Add(u.downFor).UnixNano())
		if ce := utils.CanLogWarn("upstream proxy unreachable, skipping it for a while"); ce != nil {
			ce.Write(zap.Error(err), zap.Duration("for", u.downFor))
		}
	}
	return c, err
}

func isDialErr(err error) bool {
	var oe *net.OpError
	return errors.As(err, &oe) && oe.Op == "dial"
}

// loadConnector 组装出站的 ChainConnector: 按 dial 的顺序选第一个可用的上游, 没有上游时直连.
func loadConnector(dials []*config.DialConf, direct netLayer.Connector) (netLayer.Connector, error) {
	if len(dials) == 0 {
		return direct, nil
	}
	chain := &netLayer.ChainConnector{Direct: direct}
	for _, dc := range dials {
		cl, err := NewClient(dc, direct)
		if err != nil {
			return nil, utils.ErrInErr{ErrDesc: "can not create dial client", ErrDetail: err, Data: dc.Name()}
		}
		link := netLayer.ChainLink{Tag: dc.Name(), Connector: cl, Optional: dc.Optional}
		if dc.Optional {
			h := &upstreamHealth{Connector: cl, downFor: upstreamDownFor}
			link.Connector = h
			link.Available = h.Available
		}
		chain.Links = append(chain.Links, link)
	}
	return chain, nil
}

// loadIssuer 按 tls 配置组装证书来源:
// acme 域名交给 autocert, 其余按 sni 选择配置的证书; 什么都没配置时使用随机生成的自签名证书.
func loadIssuer(tc *config.TLSConf) (tlsLayer.CertIssuer, []string, error) {
	sni := tlsLayer.NewSNIIssuer()
	if tc.Cert != "" {
		d, err := tlsLayer.LoadServerAuthDataFromFile(filePath(tc.Cert), filePath(tc.Key))
		if err != nil {
			return nil, nil, err
		}
		if err = sni.SetDefault(d); err != nil {
			return nil, nil, err
		}
	}
	for _, s := range tc.SNI {
		d, err := tlsLayer.LoadServerAuthDataFromFile(filePath(s.Cert), filePath(s.Key))
		if err != nil {
			return nil, nil, err
		}
		if err = sni.Add(s.Domain, d); err != nil {
			return nil, nil, err
		}
	}
	if tc.Cert == "" && len(tc.SNI) == 0 && len(tc.ACMEDomains) == 0 {
		d, err := tlsLayer.GenerateRandomServerAuthData("")
		if err != nil {
			return nil, nil, err
		}
		if err = sni.SetDefault(d); err != nil {
			return nil, nil, err
		}
		if ce := utils.CanLogWarn("no tls cert configured, using a random self-signed one"); ce != nil {
			ce.Write()
		}
	}

	alpn := tc.ALPN
	if len(tc.ACMEDomains) == 0 {
		return sni, alpn, nil
	}

	acme := tlsLayer.NewAutocertIssuer(tc.ACMEDomains, tc.ACMECache)
	acmeSet := make(map[string]bool, len(tc.ACMEDomains))
	for _, d := range tc.ACMEDomains {
		acmeSet[strings.ToLower(d)] = true
	}
	if len(alpn) == 0 {
		alpn = []string{httpLayer.H2_Str, httpLayer.H11_Str}
	}
	alpn = append(append([]string{}, alpn...), acme.ALPN()...)

	issuer := tlsLayer.IssuerFunc(func(ctx context.Context, hello *tlsLayer.ClientHello) (*tls.Certificate, error) {
		if hello != nil && acmeSet[strings.ToLower(hello.ServerName)] {
			return acme.IssueCert(ctx, hello)
		}
		return sni.IssueCert(ctx, hello)
	})
	return issuer, alpn, nil
}

func loadAcceptor(lc *config.ListenConf) (*tlsLayer.Acceptor, error) {
	tc := lc.TLS
	issuer, alpn, err := loadIssuer(tc)
	if err != nil {
		return nil, err
	}
	minv, err := tlsLayer.ParseVersion(tc.MinVersion)
	if err != nil {
		return nil, err
	}
	return tlsLayer.NewAcceptor(tlsLayer.AcceptorConf{
		Issuer:           issuer,
		ALPN:             alpn,
		MinVersion:       minv,
		StoreClientHello: tc.StoreClientHello,
		HandshakeTimeout: lc.HandshakeTimeout(),
	})
}

func loadSocks5(lc *config.ListenConf, m *M) *socks5.Server {
	sc := lc.Socks5
	s := &socks5.Server{
		Connector:        m.connector,
		UDP:              sc.UDP,
		Resolver:         m.resolver,
		HandshakeTimeout: lc.HandshakeTimeout(),
		Metrics:          m.Metrics,
	}
	if len(sc.Users) > 0 {
		users := utils.NewMultiUserMapByConf(sc.Users)
		var authz socks5.Authorizer = socks5.StaticAuthorizer{Users: users}
		if sc.UsernameOnly {
			authz = socks5.UsernameOnlyAuthorizer{Users: users}
		}
		s.Methods = []socks5.Authenticator{socks5.UserPassAuth{Authorizer: authz}}
		if sc.AllowNoAuth {
			s.Methods = append(s.Methods, socks5.NoAuth{})
		}
	}
	return s
}

// loadHTTP 组装 http 的 Service 栈, 自外向内: ws 隧道, 代理认证, CONNECT, 正向代理.
// ws 隧道在认证之外, 因为浏览器的 websocket 没法带 Proxy-Authorization.
func loadHTTP(hc *config.HTTPConf, m *M) (httpLayer.Service, []io.Closer, error) {
	tunnel := &httpLayer.TunnelHandler{Connector: m.connector, Metrics: m.Metrics}

	var inner httpLayer.Service = httpLayer.Reject(http.StatusBadRequest)
	var closers []io.Closer
	if hc.Forward {
		f := httpLayer.NewForward(m.connector)
		inner = f
		closers = append(closers, closerFunc(func() error { f.Close(); return nil }))
	}

	var layers []httpLayer.Layer
	if hc.WSPath != "" {
		target, err := netLayer.ParseAuthority(hc.WSTarget, 0)
		if err != nil {
			return nil, nil, err
		}
		layers = append(layers, httpLayer.WSTunnel(hc.WSPath, target, tunnel))
	}
	if len(hc.Users) > 0 {
		layers = append(layers, httpLayer.ProxyAuth{
			Authorizer: socks5.StaticAuthorizer{Users: utils.NewMultiUserMapByConf(hc.Users)},
			Realm:      hc.Realm,
			Metrics:    m.Metrics,
		})
	}
	layers = append(layers, httpLayer.Connect(tunnel))
	return httpLayer.Stack(inner, layers...), closers, nil
}

// filePath 在工作目录和可执行文件目录中查找; 找不到时原样返回, 让打开文件时报出原名.
func filePath(name string) string {
	if p := utils.GetFilePath(name); p != "" {
		return p
	}
	return name
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// loadFrontDoor 按一个 listen 配置组装 mixed 前门.
func (m *M) loadFrontDoor(lc *config.ListenConf) (fd *frontDoor, err error) {
	fd = &frontDoor{conf: lc}
	defer func() {
		if err != nil {
			fd.close()
		}
	}()

	opts := mixed.Options{
		Connector:   m.connector,
		PeekTimeout: lc.PeekTimeout(),
		Metrics:     m.Metrics,
	}
	if lc.PeekPolicy == "close" {
		opts.TimeoutPolicy = netLayer.TimeoutClose
	}

	if len(lc.AllowCIDRs) > 0 || len(lc.DenyCIDRs) > 0 {
		f, err := netLayer.NewIPFilter(lc.AllowCIDRs, lc.DenyCIDRs)
		if err != nil {
			return fd, err
		}
		opts.Filters = append(opts.Filters, f)
	}
	if lc.GeoIPFile != "" {
		f, err := netLayer.NewGeoIPFilter(filePath(lc.GeoIPFile), lc.AllowCountries, lc.DenyCountries)
		if err != nil {
			return fd, err
		}
		fd.closers = append(fd.closers, f)
		opts.Filters = append(opts.Filters, f)
	}
	opts.Filters = append(opts.Filters, m.Stats.connLayer())

	if lc.MaxConns > 0 {
		var b service.Backoff
		if lc.LimitBackoff {
			b = limitBackoff
		}
		opts.Limit = service.NewConcurrentPolicy(int64(lc.MaxConns), b)
	}

	if lc.TLS != nil {
		if opts.TLS, err = loadAcceptor(lc); err != nil {
			return fd, err
		}
	}
	if lc.Socks5 != nil {
		opts.Socks5 = loadSocks5(lc, m)
	}
	if lc.HTTP != nil {
		var closers []io.Closer
		if opts.HTTP, closers, err = loadHTTP(lc.HTTP, m); err != nil {
			return fd, err
		}
		fd.closers = append(fd.closers, closers...)
	}
	for _, p := range lc.Passthrough {
		target, err := netLayer.ParseAuthority(p.Target, 0)
		if err != nil {
			return fd, err
		}
		opts.Passthrough = append(opts.Passthrough, mixed.Passthrough{Names: p.Names, Target: target})
	}

	fd.handler, err = mixed.New(opts)
	return fd, err
}

func proxyProtocolPolicy(s string) netLayer.ProxyProtocolPolicy {
	switch s {
	case "use":
		return netLayer.ProxyProtocolUse
	case "require":
		return netLayer.ProxyProtocolRequire
	}
	return netLayer.ProxyProtocolOff
}
