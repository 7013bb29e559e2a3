package netLayer

import (
	"context"
	"net"
	"strings"

	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
	"github.com/yl2chen/cidranger"
	"go.uber.org/zap"
)

var ErrFiltered = utils.ErrInErr{ErrDesc: "peer address filtered"}

// PrivateCIDRs 是 "private" 这个关键字所代表的网段: 环回, 私有, 链路本地, 以及 ipv6 ULA.
var PrivateCIDRs = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

func newRanger(list []string) (cidranger.Ranger, error) {
	if len(list) == 0 {
		return nil, nil
	}
	r := cidranger.NewPCTrieRanger()
	var expanded []string
	for _, s := range list {
		if strings.EqualFold(s, "private") {
			expanded = append(expanded, PrivateCIDRs...)
		} else {
			expanded = append(expanded, s)
		}
	}
	for _, s := range expanded {
		if !strings.Contains(s, "/") {
			if ip := net.ParseIP(s); ip != nil && ip.To4() != nil {
				s += "/32"
			} else {
				s += "/128"
			}
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, utils.ErrInErr{ErrDesc: "invalid cidr", ErrDetail: err, Data: s}
		}
		if err := r.Insert(cidranger.NewBasicRangerEntry(*n)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// IPFilter 按对端ip过滤连接. deny 优先; allow 非空时, 只有在 allow 中的才放行.
// 列表项可以是 cidr, 单个ip, 或关键字 "private".
type IPFilter struct {
	allow, deny cidranger.Ranger
}

func NewIPFilter(allow, deny []string) (*IPFilter, error) {
	a, err := newRanger(allow)
	if err != nil {
		return nil, err
	}
	d, err := newRanger(deny)
	if err != nil {
		return nil, err
	}
	return &IPFilter{allow: a, deny: d}, nil
}

func (f *IPFilter) Allowed(ip net.IP) bool {
	if ip == nil {
		return f.allow == nil
	}
	if f.deny != nil {
		if in, _ := f.deny.Contains(ip); in {
			return false
		}
	}
	if f.allow != nil {
		in, _ := f.allow.Contains(ip)
		return in
	}
	return true
}

// PeerIP 优先取 Extensions 中的 PeerAddr, 否则取 c.RemoteAddr().
func PeerIP(ctx context.Context, c net.Conn) net.IP {
	if p, ok := service.GetFrom[PeerAddr](ctx); ok {
		return p.IP
	}
	if a, err := NewAddrFromAny(c.RemoteAddr()); err == nil {
		return a.IP
	}
	return nil
}

// Layer 在读取任何字节之前检查对端地址, 不通过则直接关闭.
func (f *IPFilter) Layer(inner Handler) Handler {
	return HandlerFunc(func(ctx context.Context, c net.Conn) (struct{}, error) {
		ip := PeerIP(ctx, c)
		if !f.Allowed(ip) {
			c.Close()
			if ce := utils.CanLogInfo("ip filtered"); ce != nil {
				ce.Write(zap.Stringer("ip", ip))
			}
			return struct{}{}, ErrFiltered
		}
		return inner.Serve(ctx, c)
	})
}
