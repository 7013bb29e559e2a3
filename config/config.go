/*
Package config 定义 frontdoor 的标准配置.

默认使用toml格式, 扩展名为 .yaml 或 .yml 的文件按 yaml 解析, 两者的字段名相同.
toml：https://toml.io/cn/
English: https://toml.io/en/
*/
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/e1732a364fed/frontdoor/utils"
	"gopkg.in/yaml.v3"
)

// CommonConf 是 Listen和Dial 都有的部分
type CommonConf struct {
	Tag     string `toml:"tag" yaml:"tag"`         //可选, 用于日志
	Host    string `toml:"host" yaml:"host"`       //ip 或域名. 若 unix domain socket 则为文件路径
	Port    int    `toml:"port" yaml:"port"`       //若Network不为 unix , 则port项必填
	Network string `toml:"network" yaml:"network"` //默认使用tcp, 可选值为 tcp, unix
}

func (cc *CommonConf) GetAddrStr() string {
	switch cc.Network {
	case "unix":
		return cc.Host
	default:
		return cc.Host + ":" + strconv.Itoa(cc.Port)
	}
}

// Name 返回用于日志的名称, 没有tag时使用地址.
func (cc *CommonConf) Name() string {
	if cc.Tag != "" {
		return cc.Tag
	}
	return cc.GetAddrStr()
}

type AppConf struct {
	LogLevel *int   `toml:"loglevel" yaml:"loglevel"` //需要为指针, 否则无法判断0到底是未给出的默认值还是 显式声明的0
	LogFile  string `toml:"logfile" yaml:"logfile"`

	ShutdownTimeout int `toml:"shutdown_timeout" yaml:"shutdown_timeout"` //秒, 默认 DefaultShutdownTimeout

	MetricsAddr string `toml:"metrics_addr" yaml:"metrics_addr"` //为空时不开启 /metrics

	ConnectTimeoutMs int `toml:"connect_timeout_ms" yaml:"connect_timeout_ms"` //出站连接(含上游代理握手)的时限, 默认 DefaultConnectTimeout
}

const (
	DefaultShutdownTimeout = 30 * time.Second
	DefaultConnectTimeout  = 15 * time.Second
)

func (ac *AppConf) GetConnectTimeout() time.Duration {
	if ac == nil || ac.ConnectTimeoutMs <= 0 {
		return DefaultConnectTimeout
	}
	return time.Duration(ac.ConnectTimeoutMs) * time.Millisecond
}

func (ac *AppConf) GetShutdownTimeout() time.Duration {
	if ac == nil || ac.ShutdownTimeout <= 0 {
		return DefaultShutdownTimeout
	}
	return time.Duration(ac.ShutdownTimeout) * time.Second
}

// 监听所使用的设置.
//  CommonConf.Host , CommonConf.Port  为监听地址与端口
type ListenConf struct {
	CommonConf `yaml:",inline"`

	PeekTimeoutMs int    `toml:"peek_timeout_ms" yaml:"peek_timeout_ms"`
	PeekPolicy    string `toml:"peek_policy" yaml:"peek_policy"` //偷看超时后的做法: fallback (默认) 或 close

	MaxConns           int  `toml:"max_conns" yaml:"max_conns"`         //0 为不限制
	LimitBackoff       bool `toml:"limit_backoff" yaml:"limit_backoff"` //达到上限时按指数退避等待, 而不是立即拒绝
	HandshakeTimeoutMs int  `toml:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`

	ProxyProtocol string `toml:"proxy_protocol" yaml:"proxy_protocol"` //off (默认), use 或 require

	AllowCIDRs     []string `toml:"allow_cidrs" yaml:"allow_cidrs"`
	DenyCIDRs      []string `toml:"deny_cidrs" yaml:"deny_cidrs"`
	GeoIPFile      string   `toml:"geoip_file" yaml:"geoip_file"` //mmdb 格式
	AllowCountries []string `toml:"allow_countries" yaml:"allow_countries"`
	DenyCountries  []string `toml:"deny_countries" yaml:"deny_countries"`

	TLS         *TLSConf          `toml:"tls" yaml:"tls"`
	Socks5      *Socks5Conf       `toml:"socks5" yaml:"socks5"`
	HTTP        *HTTPConf         `toml:"http" yaml:"http"`
	Passthrough []PassthroughConf `toml:"passthrough" yaml:"passthrough"`
}

func (lc *ListenConf) PeekTimeout() time.Duration {
	return time.Duration(lc.PeekTimeoutMs) * time.Millisecond
}

func (lc *ListenConf) HandshakeTimeout() time.Duration {
	return time.Duration(lc.HandshakeTimeoutMs) * time.Millisecond
}

type TLSConf struct {
	Cert string `toml:"cert" yaml:"cert"` //cert 与 key 都为空且没有 sni/acme 时, 使用随机生成的自签名证书
	Key  string `toml:"key" yaml:"key"`

	ALPN             []string `toml:"alpn" yaml:"alpn"`
	MinVersion       string   `toml:"min_version" yaml:"min_version"` //如 "1.2", "tls1.3"
	StoreClientHello bool     `toml:"store_client_hello" yaml:"store_client_hello"`

	SNI []SNIConf `toml:"sni" yaml:"sni"`

	ACMEDomains []string `toml:"acme_domains" yaml:"acme_domains"`
	ACMECache   string   `toml:"acme_cache" yaml:"acme_cache"`
}

// SNIConf 为一个域名指定证书. Domain 可以是 *.example.com 这样的通配符.
type SNIConf struct {
	Domain string `toml:"domain" yaml:"domain"`
	Cert   string `toml:"cert" yaml:"cert"`
	Key    string `toml:"key" yaml:"key"`
}

type Socks5Conf struct {
	Users        []utils.UserConf `toml:"users" yaml:"users"`
	AllowNoAuth  bool             `toml:"allow_no_auth" yaml:"allow_no_auth"` //有users时是否仍接受无认证的客户端
	UsernameOnly bool             `toml:"username_only" yaml:"username_only"` //只检查用户名
	UDP          bool             `toml:"udp" yaml:"udp"`
}

type HTTPConf struct {
	Users []utils.UserConf `toml:"users" yaml:"users"` //为空时不要求 Proxy-Authorization
	Realm string           `toml:"realm" yaml:"realm"`

	Forward bool `toml:"forward" yaml:"forward"` //是否接受 GET http://... 这种正向代理请求

	WSPath   string `toml:"ws_path" yaml:"ws_path"`
	WSTarget string `toml:"ws_target" yaml:"ws_target"` //host:port
}

// PassthroughConf 把 sni 为 Names 之一的 tls 连接原样转发给 Target.
type PassthroughConf struct {
	Names  []string `toml:"names" yaml:"names"`
	Target string   `toml:"target" yaml:"target"`
}

// 拨号所使用的设置, 即上游代理.
//  CommonConf.Host , CommonConf.Port  为上游代理的地址与端口
type DialConf struct {
	CommonConf `yaml:",inline"`

	Protocol string `toml:"protocol" yaml:"protocol"` //socks5, http 或 https
	User     string `toml:"user" yaml:"user"`
	Pass     string `toml:"pass" yaml:"pass"`

	//为true时, 该上游不可用则跳过, 否则整个连接失败
	Optional bool `toml:"optional" yaml:"optional"`

	//https 时使用
	Utls       string `toml:"utls" yaml:"utls"` //utls 指纹, 如 chrome, firefox; 为空时使用 crypto/tls
	Insecure   bool   `toml:"insecure" yaml:"insecure"`
	ServerName string `toml:"server_name" yaml:"server_name"`
}

type DNSConf struct {
	Servers []string `toml:"servers" yaml:"servers"` //udp://1.1.1.1:53, tcp://8.8.8.8, tls://1.1.1.1:853

	PreferIPv6           bool `toml:"prefer_ipv6" yaml:"prefer_ipv6"`
	HappyEyeballsDelayMs int  `toml:"happy_eyeballs_delay_ms" yaml:"happy_eyeballs_delay_ms"`
	TimeoutMs            int  `toml:"timeout_ms" yaml:"timeout_ms"`
}

// Standard 是标准配置.
type Standard struct {
	App *AppConf `toml:"app" yaml:"app"`
	DNS *DNSConf `toml:"dns" yaml:"dns"`

	Listen []*ListenConf `toml:"listen" yaml:"listen"`
	Dial   []*DialConf   `toml:"dial" yaml:"dial"`
}

func LoadTomlStr(str string) (*Standard, error) {
	c := &Standard{}
	if _, err := toml.Decode(str, c); err != nil {
		return nil, utils.ErrInErr{ErrDesc: "toml decode failed", ErrDetail: err}
	}
	return c, nil
}

func LoadYamlStr(str string) (*Standard, error) {
	c := &Standard{}
	if err := yaml.Unmarshal([]byte(str), c); err != nil {
		return nil, utils.ErrInErr{ErrDesc: "yaml decode failed", ErrDetail: err}
	}
	return c, nil
}

// Load 按扩展名解析配置文件, 并检查其有效性. 相对路径会在工作目录和可执行文件所在目录中查找.
func Load(fileNamePath string) (*Standard, error) {
	fpath := utils.GetFilePath(fileNamePath)
	if fpath == "" {
		return nil, utils.ErrInErr{ErrDesc: "can't find config file", ErrDetail: os.ErrNotExist, Data: fileNamePath}
	}

	bs, err := os.ReadFile(fpath)
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "can't open config file", ErrDetail: err}
	}

	var c *Standard
	switch strings.ToLower(filepath.Ext(fpath)) {
	case ".yaml", ".yml":
		c, err = LoadYamlStr(string(bs))
	default:
		c, err = LoadTomlStr(string(bs))
	}
	if err != nil {
		return nil, err
	}
	if err = c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
