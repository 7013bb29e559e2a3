package config

import (
	"net"
	"strconv"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/tlsLayer"
	"github.com/e1732a364fed/frontdoor/utils"
)

func wrongParam(desc string, data any) error {
	return utils.ErrInErr{ErrDesc: desc, ErrDetail: utils.ErrWrongParameter, Data: data}
}

// Validate 检查配置, 遇到第一个错误即返回. 启动时调用, 配置错误不应该等到有连接时才暴露.
func (c *Standard) Validate() error {
	if len(c.Listen) == 0 {
		return wrongParam("config has no listen", nil)
	}

	if app := c.App; app != nil {
		if app.LogLevel != nil && (*app.LogLevel < utils.Log_debug || *app.LogLevel > utils.Log_fatal) {
			return wrongParam("invalid app.loglevel", *app.LogLevel)
		}
		if app.ShutdownTimeout < 0 {
			return wrongParam("invalid app.shutdown_timeout", app.ShutdownTimeout)
		}
		if app.ConnectTimeoutMs < 0 {
			return wrongParam("invalid app.connect_timeout_ms", app.ConnectTimeoutMs)
		}
		if app.MetricsAddr != "" && !isListenAddr(app.MetricsAddr) {
			return wrongParam("invalid app.metrics_addr", app.MetricsAddr)
		}
	}

	if d := c.DNS; d != nil {
		for _, s := range d.Servers {
			if _, err := netLayer.ParseDNSServer(s); err != nil {
				return utils.ErrInErr{ErrDesc: "invalid dns server", ErrDetail: err, Data: s}
			}
		}
		if d.HappyEyeballsDelayMs < 0 || d.TimeoutMs < 0 {
			return wrongParam("negative dns duration", nil)
		}
	}

	tags := make(map[string]bool)
	for i, lc := range c.Listen {
		if lc == nil {
			return wrongParam("empty listen", i)
		}
		if err := lc.validate(); err != nil {
			return utils.ErrInErr{ErrDesc: "invalid listen", ErrDetail: err, Data: lc.Name()}
		}
		if lc.Tag != "" {
			if tags[lc.Tag] {
				return wrongParam("duplicate tag", lc.Tag)
			}
			tags[lc.Tag] = true
		}
	}
	for i, dc := range c.Dial {
		if dc == nil {
			return wrongParam("empty dial", i)
		}
		if err := dc.validate(); err != nil {
			return utils.ErrInErr{ErrDesc: "invalid dial", ErrDetail: err, Data: dc.Name()}
		}
		if dc.Tag != "" {
			if tags[dc.Tag] {
				return wrongParam("duplicate tag", dc.Tag)
			}
			tags[dc.Tag] = true
		}
	}
	return nil
}

// isListenAddr 接受 ":9100" 这种省略 host 的地址
func isListenAddr(s string) bool {
	h, p, err := net.SplitHostPort(s)
	if err != nil {
		return false
	}
	return (h == "" || govalidator.IsHost(h)) && govalidator.IsPort(p)
}

// 监听时 port 可以为0, 即由系统分配
func (cc *CommonConf) validate(isListen bool) error {
	switch cc.Network {
	case "", "tcp", "tcp4", "tcp6":
	case "unix":
		if cc.Host == "" {
			return wrongParam("unix socket needs a path in host", nil)
		}
		return nil
	default:
		return wrongParam("unsupported network", cc.Network)
	}
	if cc.Host != "" && !govalidator.IsHost(cc.Host) {
		return wrongParam("invalid host", cc.Host)
	}
	if isListen && cc.Port == 0 {
		return nil
	}
	if !govalidator.IsPort(strconv.Itoa(cc.Port)) {
		return wrongParam("invalid port", cc.Port)
	}
	return nil
}

// 也接受关键字 private, 见 netLayer.PrivateCIDRs
func isCIDROrIP(s string) bool {
	return strings.EqualFold(s, "private") || govalidator.IsCIDR(s) || govalidator.IsIP(s)
}

func (lc *ListenConf) validate() error {
	if err := lc.CommonConf.validate(true); err != nil {
		return err
	}
	if !govalidator.IsIn(lc.PeekPolicy, "", "fallback", "close") {
		return wrongParam("invalid peek_policy", lc.PeekPolicy)
	}
	if !govalidator.IsIn(lc.ProxyProtocol, "", "off", "use", "require") {
		return wrongParam("invalid proxy_protocol", lc.ProxyProtocol)
	}
	if lc.PeekTimeoutMs < 0 || lc.HandshakeTimeoutMs < 0 || lc.MaxConns < 0 {
		return wrongParam("negative value", nil)
	}
	if lc.LimitBackoff && lc.MaxConns == 0 {
		return wrongParam("limit_backoff needs max_conns", nil)
	}

	for _, s := range lc.AllowCIDRs {
		if !isCIDROrIP(s) {
			return wrongParam("invalid allow_cidrs", s)
		}
	}
	for _, s := range lc.DenyCIDRs {
		if !isCIDROrIP(s) {
			return wrongParam("invalid deny_cidrs", s)
		}
	}
	countries := append(append([]string{}, lc.AllowCountries...), lc.DenyCountries...)
	if len(countries) > 0 && lc.GeoIPFile == "" {
		return wrongParam("country filter needs geoip_file", nil)
	}
	for _, s := range countries {
		if !govalidator.IsISO3166Alpha2(strings.ToUpper(s)) {
			return wrongParam("invalid country code", s)
		}
	}

	if lc.TLS == nil && lc.Socks5 == nil && lc.HTTP == nil && len(lc.Passthrough) == 0 {
		return wrongParam("listen has no protocol enabled", nil)
	}
	if lc.TLS != nil {
		if err := lc.TLS.validate(); err != nil {
			return err
		}
	}
	if lc.Socks5 != nil {
		if lc.Socks5.UsernameOnly && len(lc.Socks5.Users) == 0 {
			return wrongParam("socks5 username_only needs users", nil)
		}
		if err := validateUsers(lc.Socks5.Users, lc.Socks5.UsernameOnly); err != nil {
			return err
		}
	}
	if lc.HTTP != nil {
		if err := lc.HTTP.validate(); err != nil {
			return err
		}
	}
	for _, p := range lc.Passthrough {
		if len(p.Names) == 0 {
			return wrongParam("passthrough needs names", p.Target)
		}
		for _, n := range p.Names {
			if !isDomainPattern(n) {
				return wrongParam("invalid passthrough name", n)
			}
		}
		if _, err := netLayer.ParseAuthority(p.Target, 0); err != nil {
			return wrongParam("invalid passthrough target", p.Target)
		}
	}
	return nil
}

func validateUsers(users []utils.UserConf, usernameOnly bool) error {
	seen := make(map[string]bool, len(users))
	for _, u := range users {
		if u.User == "" || (!usernameOnly && u.Pass == "") {
			return wrongParam("user needs name and password", u.User)
		}
		//rfc 1929 中长度各占一字节
		if len(u.User) > 255 || len(u.Pass) > 255 {
			return wrongParam("user or password too long", u.User)
		}
		if seen[u.User] {
			return wrongParam("duplicate user", u.User)
		}
		seen[u.User] = true
	}
	return nil
}

// isDomainPattern 接受 example.com 与 *.example.com
func isDomainPattern(s string) bool {
	return govalidator.IsDNSName(strings.TrimPrefix(s, "*."))
}

func (tc *TLSConf) validate() error {
	if (tc.Cert == "") != (tc.Key == "") {
		return wrongParam("tls cert and key must be given together", nil)
	}
	if _, err := tlsLayer.ParseVersion(tc.MinVersion); err != nil {
		return wrongParam("invalid tls min_version", tc.MinVersion)
	}
	for _, s := range tc.SNI {
		if !isDomainPattern(s.Domain) {
			return wrongParam("invalid sni domain", s.Domain)
		}
		if s.Cert == "" || s.Key == "" {
			return wrongParam("sni needs cert and key", s.Domain)
		}
	}
	for _, d := range tc.ACMEDomains {
		if !govalidator.IsDNSName(d) || govalidator.IsIP(d) {
			return wrongParam("invalid acme domain", d)
		}
	}
	return nil
}

func (hc *HTTPConf) validate() error {
	if err := validateUsers(hc.Users, false); err != nil {
		return err
	}
	if (hc.WSPath == "") != (hc.WSTarget == "") {
		return wrongParam("ws_path and ws_target must be given together", nil)
	}
	if hc.WSPath != "" {
		if !strings.HasPrefix(hc.WSPath, "/") {
			return wrongParam("ws_path must start with /", hc.WSPath)
		}
		if _, err := netLayer.ParseAuthority(hc.WSTarget, 0); err != nil {
			return wrongParam("invalid ws_target", hc.WSTarget)
		}
	}
	return nil
}

func (dc *DialConf) validate() error {
	if !govalidator.IsIn(dc.Protocol, "socks5", "http", "https") {
		return wrongParam("unsupported dial protocol", dc.Protocol)
	}
	if dc.Network == "unix" {
		return wrongParam("dial over unix socket is not supported", dc.Host)
	}
	if dc.Host == "" {
		return wrongParam("dial needs host", nil)
	}
	if err := dc.CommonConf.validate(false); err != nil {
		return err
	}
	if dc.Utls != "" && dc.Protocol != "https" {
		return wrongParam("utls only applies to https", dc.Protocol)
	}
	if dc.Protocol == "socks5" && (len(dc.User) > 255 || len(dc.Pass) > 255) {
		return wrongParam("user or password too long", dc.User)
	}
	return nil
}
