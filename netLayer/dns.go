package netLayer

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/e1732a364fed/frontdoor/utils"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

var ErrNoSuchHost = errors.New("no such host")

// Resolver 分别查询一个域名的 ipv4 和 ipv6 地址, 以便 DirectConnector 做 happy eyeballs.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) ([]net.IP, error)
	LookupIPv6(ctx context.Context, host string) ([]net.IP, error)
}

// SystemResolver 使用 Go 标准库的解析器(即系统配置的 dns).
type SystemResolver struct {
	R *net.Resolver
}

func (sr SystemResolver) resolver() *net.Resolver {
	if sr.R == nil {
		return net.DefaultResolver
	}
	return sr.R
}

func (sr SystemResolver) LookupIPv4(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := sr.resolver().LookupIP(ctx, "ip4", host)
	return ips, wrapSystemDNSErr(err)
}

func (sr SystemResolver) LookupIPv6(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := sr.resolver().LookupIP(ctx, "ip6", host)
	return ips, wrapSystemDNSErr(err)
}

func wrapSystemDNSErr(err error) error {
	var de *net.DNSError
	if errors.As(err, &de) && de.IsNotFound {
		return utils.ErrInErr{ErrDesc: de.Name, ErrDetail: ErrNoSuchHost}
	}
	return err
}

// DNSServer 是一个上游 dns 服务器. Network 为 miekg/dns 的网络名: udp, tcp 或 tcp-tls.
type DNSServer struct {
	Network    string
	Addr       string
	ServerName string //tcp-tls 时用于校验证书
}

// ParseDNSServer 解析 udp://8.8.8.8:53, tcp://8.8.8.8, tls://1.1.1.1:853 这样的url;
// 没有 scheme 时视为 udp, 没有端口时使用默认端口.
func ParseDNSServer(s string) (DNSServer, error) {
	if !strings.Contains(s, "://") {
		s = "udp://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return DNSServer{}, err
	}
	ds := DNSServer{}
	defaultPort := "53"
	switch u.Scheme {
	case "udp", "tcp":
		ds.Network = u.Scheme
	case "tls", "dot":
		ds.Network = "tcp-tls"
		defaultPort = "853"
	default:
		return ds, utils.ErrInErr{ErrDesc: "unsupported dns scheme", ErrDetail: utils.ErrWrongParameter, Data: u.Scheme}
	}
	host, port := u.Hostname(), u.Port()
	if host == "" {
		return ds, utils.ErrInErr{ErrDesc: "dns server has no host", ErrDetail: utils.ErrWrongParameter, Data: s}
	}
	if port == "" {
		port = defaultPort
	}
	ds.Addr = net.JoinHostPort(host, port)
	ds.ServerName = host
	return ds, nil
}

type dnsCacheEntry struct {
	ips    []net.IP
	expire time.Time
}

// DNSResolver 通过 miekg/dns 向给定的服务器依次查询, 第一个成功的结果被采用并按ttl缓存.
type DNSResolver struct {
	Servers []DNSServer
	Timeout time.Duration

	mu    sync.Mutex
	cache map[string]dnsCacheEntry
}

func NewDNSResolver(servers []DNSServer, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSResolver{
		Servers: servers,
		Timeout: timeout,
		cache:   make(map[string]dnsCacheEntry),
	}
}

func (r *DNSResolver) LookupIPv4(ctx context.Context, host string) ([]net.IP, error) {
	return r.lookup(ctx, host, dns.TypeA)
}

func (r *DNSResolver) LookupIPv6(ctx context.Context, host string) ([]net.IP, error) {
	return r.lookup(ctx, host, dns.TypeAAAA)
}

func (r *DNSResolver) lookup(ctx context.Context, host string, qtype uint16) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	fqdn := dns.Fqdn(host)
	key := fqdn + dns.TypeToString[qtype]

	r.mu.Lock()
	if e, ok := r.cache[key]; ok && time.Now().Before(e.expire) {
		r.mu.Unlock()
		return e.ips, nil
	}
	r.mu.Unlock()

	var lastErr error = ErrNoSuchHost
	for _, s := range r.Servers {
		ips, ttl, err := r.query(ctx, s, fqdn, qtype)
		if err != nil {
			if ce := utils.CanLogDebug("dns query failed"); ce != nil {
				ce.Write(zap.String("server", s.Addr), zap.String("host", host), zap.Error(err))
			}
			lastErr = err
			if errors.Is(err, ErrNoSuchHost) || ctx.Err() != nil {
				break
			}
			continue
		}

		r.mu.Lock()
		r.cache[key] = dnsCacheEntry{ips: ips, expire: time.Now().Add(time.Duration(ttl) * time.Second)}
		r.mu.Unlock()
		return ips, nil
	}
	return nil, utils.ErrInErr{ErrDesc: host, ErrDetail: lastErr}
}

func (r *DNSResolver) query(ctx context.Context, s DNSServer, fqdn string, qtype uint16) (ips []net.IP, ttl uint32, err error) {
	c := &dns.Client{Net: s.Network, Timeout: r.Timeout}
	if s.Network == "tcp-tls" {
		c.TLSConfig = &tls.Config{ServerName: s.ServerName}
	}

	m := new(dns.Msg)
	m.SetQuestion(fqdn, qtype)
	m.RecursionDesired = true

	resp, _, err := c.ExchangeContext(ctx, m, s.Addr)
	if err != nil {
		return nil, 0, err
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, 0, ErrNoSuchHost
	default:
		return nil, 0, utils.ErrInErr{ErrDesc: "dns rcode", ErrDetail: dns.ErrRcode, Data: dns.RcodeToString[resp.Rcode]}
	}

	ttl = 600
	for _, rr := range resp.Answer {
		switch a := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				ips = append(ips, a.A)
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				ips = append(ips, a.AAAA)
			}
		default:
			continue
		}
		if rr.Header().Ttl < ttl {
			ttl = rr.Header().Ttl
		}
	}
	if len(ips) == 0 {
		return nil, 0, ErrNoSuchHost
	}
	return
}
