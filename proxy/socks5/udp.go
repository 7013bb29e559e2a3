package socks5

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

//根据 socks5标准，“使用UDP ASSOCIATE时，客户端的请求包中(DST.ADDR, DST.PORT)不再是目标的地址，而是客户端指定本身用于发送UDP数据包的地址和端口”
// 客户端在 NAT 后面时往往不知道自己的公网端口, 会填 0; 这时我们只要求 ip 与 tcp 连接的对端一致,
// 并把第一个合法数据报的来源当作客户端地址.
//
// 关联的生命周期与 tcp 控制连接相同.

func (s *Server) udpAssociate(ctx context.Context, c net.Conn, declared netLayer.Addr) error {
	var localIP net.IP
	if la, ok := c.LocalAddr().(*net.TCPAddr); ok {
		localIP = la.IP
	}
	north, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP})
	if err != nil {
		WriteReply(c, RepGeneralFailure, netLayer.Addr{})
		return utils.ErrInErr{ErrDesc: "socks5 udp associate listen failed", ErrDetail: err}
	}
	south, err := net.ListenUDP("udp", nil)
	if err != nil {
		north.Close()
		WriteReply(c, RepGeneralFailure, netLayer.Addr{})
		return utils.ErrInErr{ErrDesc: "socks5 udp associate listen failed", ErrDetail: err}
	}

	bound := netLayer.NewAddrFromUDPAddr(north.LocalAddr().(*net.UDPAddr))
	if err = WriteReply(c, RepSucceeded, bound); err != nil {
		north.Close()
		south.Close()
		return err
	}

	r := &udpRelay{
		north:    north,
		south:    south,
		resolver: s.Resolver,
	}
	if peer, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		r.clientIP = peer.IP
	}
	if declared.IP != nil && !declared.IP.IsUnspecified() && declared.Port != 0 {
		r.client = declared.ToUDPAddr()
	}

	if ce := utils.CanLogDebug("socks5 udp associate"); ce != nil {
		ce.Write(zap.String("bound", bound.String()), zap.String("declared", declared.String()))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.northLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.southLoop()
	}()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	//控制连接上不应再有任何数据, 读到 EOF 即结束关联
	io.Copy(io.Discard, c)

	north.Close()
	south.Close()
	wg.Wait()

	if ce := utils.CanLogDebug("socks5 udp associate ended"); ce != nil {
		ce.Write(zap.Int64("up", r.up), zap.Int64("down", r.down))
	}
	s.Metrics.Relayed(r.up, r.down)
	return nil
}

type udpRelay struct {
	north *net.UDPConn //面向客户端
	south *net.UDPConn //面向目标

	resolver netLayer.Resolver
	clientIP net.IP

	mu     sync.Mutex
	client *net.UDPAddr

	up, down int64 //各自只被一个 goroutine 写, wg.Wait 之后读
}

func (r *udpRelay) acceptFrom(from *net.UDPAddr) bool {
	if r.clientIP != nil && !r.clientIP.Equal(from.IP) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		r.client = from
		return true
	}
	return r.client.IP.Equal(from.IP) && r.client.Port == from.Port
}

func (r *udpRelay) clientAddr() *net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

func (r *udpRelay) resolve(ctx context.Context, a netLayer.Addr) (*net.UDPAddr, error) {
	if a.IP != nil {
		return a.ToUDPAddr(), nil
	}
	var res netLayer.Resolver = netLayer.SystemResolver{}
	if r.resolver != nil {
		res = r.resolver
	}
	ips, err := res.LookupIPv4(ctx, a.Name)
	if err != nil || len(ips) == 0 {
		ips, err = res.LookupIPv6(ctx, a.Name)
	}
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, netLayer.ErrNoSuchHost
	}
	return &net.UDPAddr{IP: ips[0], Port: a.Port}, nil
}

func (r *udpRelay) northLoop(ctx context.Context) {
	buf := utils.GetPacket()
	defer utils.PutPacket(buf)

	for {
		n, from, err := r.north.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if !r.acceptFrom(from) {
			if ce := utils.CanLogDebug("socks5 udp dropped datagram from unexpected source"); ce != nil {
				ce.Write(zap.Stringer("from", from))
			}
			continue
		}
		h, payload, err := ParseUDPHeader(buf[:n])
		if err != nil {
			if ce := utils.CanLogDebug("socks5 udp dropped bad datagram"); ce != nil {
				ce.Write(zap.Error(err))
			}
			continue
		}
		dst, err := r.resolve(ctx, h.Addr)
		if err != nil {
			if ce := utils.CanLogDebug("socks5 udp resolve failed"); ce != nil {
				ce.Write(zap.String("target", h.Addr.String()), zap.Error(err))
			}
			continue
		}
		if _, err = r.south.WriteToUDP(payload, dst); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		r.up += int64(len(payload))
	}
}

func (r *udpRelay) southLoop() {
	buf := utils.GetPacket()
	defer utils.PutPacket(buf)

	//预留头部的空间, 收到数据后在前面写入头部, 避免拷贝
	const headroom = 3 + maxAddrLen

	for {
		n, from, err := r.south.ReadFromUDP(buf[headroom:])
		if err != nil {
			return
		}
		client := r.clientAddr()
		if client == nil {
			continue
		}
		var hb [headroom]byte
		h := AppendUDPHeader(hb[:0], netLayer.NewAddrFromUDPAddr(from))
		start := headroom - len(h)
		copy(buf[start:], h)

		if _, err = r.north.WriteToUDP(buf[start:headroom+n], client); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		r.down += int64(n)
	}
}
