package tlsLayer

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"

	"github.com/asaskevich/govalidator"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

// CertIssuer 根据 ClientHello 给出服务端证书. 它在握手中途被调用, 可能阻塞;
// 返回错误则握手失败, 不会退回到其它证书.
type CertIssuer interface {
	IssueCert(ctx context.Context, hello *ClientHello) (*tls.Certificate, error)
}

type IssuerFunc func(ctx context.Context, hello *ClientHello) (*tls.Certificate, error)

func (f IssuerFunc) IssueCert(ctx context.Context, hello *ClientHello) (*tls.Certificate, error) {
	return f(ctx, hello)
}

// StaticIssuer 总是返回同一张证书.
type StaticIssuer struct {
	cert *tls.Certificate
}

// NewStaticIssuer 在构造时转换证书, 证书有误则立即报错.
func NewStaticIssuer(d ServerAuthData) (*StaticIssuer, error) {
	c, err := d.Certificate()
	if err != nil {
		return nil, err
	}
	return &StaticIssuer{cert: c}, nil
}

func (s *StaticIssuer) IssueCert(context.Context, *ClientHello) (*tls.Certificate, error) {
	return s.cert, nil
}

// SNIIssuer 按 sni 选择证书:
// 先精确匹配, 再匹配 *.example.com 形式的通配, 都没有则用 Default.
// sni 为空或者是ip时同样用 Default. Default 为 nil 时返回 ErrNoCertificate.
type SNIIssuer struct {
	certs   map[string]*tls.Certificate
	Default *tls.Certificate
}

func NewSNIIssuer() *SNIIssuer {
	return &SNIIssuer{certs: make(map[string]*tls.Certificate)}
}

// Add 为 domain 配置证书. domain 可以以 "*." 开头.
func (s *SNIIssuer) Add(domain string, d ServerAuthData) error {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	check := strings.TrimPrefix(domain, "*.")
	if !govalidator.IsDNSName(check) {
		return utils.ErrInErr{ErrDesc: "invalid sni domain", ErrDetail: utils.ErrWrongParameter, Data: domain}
	}
	c, err := d.Certificate()
	if err != nil {
		return utils.ErrInErr{ErrDesc: "load cert failed", ErrDetail: err, Data: domain}
	}
	s.certs[domain] = c
	return nil
}

func (s *SNIIssuer) SetDefault(d ServerAuthData) error {
	c, err := d.Certificate()
	if err != nil {
		return err
	}
	s.Default = c
	return nil
}

func (s *SNIIssuer) Len() int { return len(s.certs) }

func (s *SNIIssuer) lookup(name string) *tls.Certificate {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if name == "" || net.ParseIP(name) != nil {
		return nil
	}
	if c := s.certs[name]; c != nil {
		return c
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		return s.certs["*"+name[i:]]
	}
	return nil
}

func (s *SNIIssuer) IssueCert(_ context.Context, hello *ClientHello) (*tls.Certificate, error) {
	var sni string
	if hello != nil {
		sni = hello.ServerName
	}
	if c := s.lookup(sni); c != nil {
		return c, nil
	}
	if s.Default != nil {
		if ce := utils.CanLogDebug("sni not configured, use default cert"); ce != nil {
			ce.Write(zap.String("sni", sni))
		}
		return s.Default, nil
	}
	return nil, utils.ErrInErr{ErrDesc: "no cert", ErrDetail: ErrNoCertificate, Data: sni}
}

// CachedIssuer 按 sni 缓存 Inner 给出的证书. 出错的结果不缓存.
type CachedIssuer struct {
	Inner CertIssuer

	mu    sync.Mutex
	cache map[string]*tls.Certificate
}

func (c *CachedIssuer) IssueCert(ctx context.Context, hello *ClientHello) (*tls.Certificate, error) {
	var key string
	if hello != nil {
		key = strings.ToLower(hello.ServerName)
	}
	c.mu.Lock()
	cert := c.cache[key]
	c.mu.Unlock()
	if cert != nil {
		return cert, nil
	}

	cert, err := c.Inner.IssueCert(ctx, hello)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string]*tls.Certificate)
	}
	c.cache[key] = cert
	c.mu.Unlock()
	return cert, nil
}

// Forget 删除 sni 对应的缓存, 用于证书轮换.
func (c *CachedIssuer) Forget(sni string) {
	c.mu.Lock()
	delete(c.cache, strings.ToLower(sni))
	c.mu.Unlock()
}

// AutocertIssuer 通过 acme (如 let's encrypt) 为 Domains 自动申请证书, 缓存于 CacheDir.
// 使用 tls-alpn-01 验证, 所以 Acceptor 需要额外提供 acme.ALPNProto.
type AutocertIssuer struct {
	m *autocert.Manager
}

func NewAutocertIssuer(domains []string, cacheDir string) *AutocertIssuer {
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
	}
	if cacheDir != "" {
		m.Cache = autocert.DirCache(cacheDir)
	}
	return &AutocertIssuer{m: m}
}

func (a *AutocertIssuer) IssueCert(ctx context.Context, hello *ClientHello) (*tls.Certificate, error) {
	if hello == nil || hello.Info == nil {
		return nil, utils.ErrInErr{ErrDesc: "autocert needs the handshake client hello", ErrDetail: utils.ErrNilParameter}
	}
	return a.m.GetCertificate(hello.Info)
}

// ALPN 返回 acme tls-alpn-01 所需的 alpn.
func (a *AutocertIssuer) ALPN() []string {
	return []string{acme.ALPNProto}
}
