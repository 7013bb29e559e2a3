package netLayer

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/e1732a364fed/frontdoor/utils"
)

var ErrInvalidAuthority = utils.ErrInErr{ErrDesc: "invalid authority", ErrDetail: utils.ErrInvalidData}

// MaxDomainLen 为 socks5 等协议中域名长度字段能表示的最大值.
const MaxDomainLen = 255

// Addr 完整地表示了一个 传输层的目标(即 authority: host + port)，同时用 Network 字段 来记录网络层协议名.
// Name 与 IP 二者只用其一.
type Addr struct {
	Network string
	Name    string // domain name
	IP      net.IP
	Port    int
}

// PeerAddr 是连接对端的地址, 存于每条连接的 Extensions 中.
// 若启用了 PROXY protocol, 则为 PROXY 头中给出的真实地址.
type PeerAddr struct{ Addr }

// LocalAddr 是本地监听的地址.
type LocalAddr struct{ Addr }

// ProxyTarget 是客户端要求代理到的目标地址, 由 socks5/http 握手写入请求的 Extensions.
type ProxyTarget struct{ Addr }

func NewAddrFromTCPAddr(addr *net.TCPAddr) Addr {
	return Addr{
		IP:      addr.IP,
		Port:    addr.Port,
		Network: "tcp",
	}
}

func NewAddrFromUDPAddr(addr *net.UDPAddr) Addr {
	return Addr{
		IP:      addr.IP,
		Port:    addr.Port,
		Network: "udp",
	}
}

// NewAddrFromAny 支持 *net.TCPAddr / *net.UDPAddr / 其他 net.Addr
func NewAddrFromAny(a net.Addr) (Addr, error) {
	switch value := a.(type) {
	case nil:
		return Addr{}, utils.ErrNilParameter
	case *net.TCPAddr:
		return NewAddrFromTCPAddr(value), nil
	case *net.UDPAddr:
		return NewAddrFromUDPAddr(value), nil
	default:
		addr, err := NewAddrByHostPort(a.String())
		if err != nil {
			return addr, err
		}
		addr.Network = a.Network()
		return addr, nil
	}
}

// hostPortStr格式 必须为 host:port. host 为空时视为 127.0.0.1
func NewAddrByHostPort(hostPortStr string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(hostPortStr)
	if err != nil {
		return Addr{}, err
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Addr{}, err
	}

	a := Addr{Port: port}
	if ip := net.ParseIP(host); ip != nil {
		a.IP = ip
	} else {
		a.Name = host
	}
	return a, nil
}

// ParseAuthority 严格解析代理请求中的 host:port. 与 NewAddrByHostPort 不同, 这里 host 不可为空,
// 端口必须在 1-65535 之间, 域名不可超过 255 字节. 若 s 中没有端口且 defaultPort>0, 则使用 defaultPort.
func ParseAuthority(s string, defaultPort int) (Addr, error) {
	if s == "" {
		return Addr{}, ErrInvalidAuthority
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		var ae *net.AddrError
		if defaultPort > 0 && errors.As(err, &ae) && strings.Contains(ae.Err, "missing port") {
			host, portStr = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]"), strconv.Itoa(defaultPort)
		} else {
			return Addr{}, utils.ErrInErr{ErrDesc: "invalid authority", ErrDetail: utils.ErrInvalidData, Data: s}
		}
	}
	if host == "" {
		return Addr{}, utils.ErrInErr{ErrDesc: "authority has empty host", ErrDetail: utils.ErrInvalidData, Data: s}
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Addr{}, utils.ErrInErr{ErrDesc: "authority has invalid port", ErrDetail: utils.ErrInvalidData, Data: s}
	}

	a := Addr{Port: port, Network: "tcp"}
	if ip, err := netip.ParseAddr(host); err == nil {
		a.IP = net.IP(ip.Unmap().AsSlice())
		return a, nil
	}
	if len(host) > MaxDomainLen || strings.ContainsAny(host, " /\\@") {
		return Addr{}, utils.ErrInErr{ErrDesc: "authority has invalid domain", ErrDetail: utils.ErrInvalidData, Data: s}
	}
	a.Name = host
	return a, nil
}

// Return host:port string.
// 若有Name而没有ip，则返回 a.Name:a.Port . 否则返回 a.IP: a.Port;
func (a Addr) String() string {
	port := strconv.Itoa(a.Port)
	if a.IP == nil {
		return net.JoinHostPort(a.Name, port)
	}
	return net.JoinHostPort(a.IP.String(), port)
}

func (a Addr) IsIpv6() bool {
	return a.IP != nil && a.IP.To4() == nil
}

func (a Addr) IsDomain() bool {
	return a.IP == nil && a.Name != ""
}

func (a Addr) ToUDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}
