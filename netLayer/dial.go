package netLayer

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

// Connector 建立到 target 的连接. 本地绑定地址即 conn.LocalAddr(), socks5 等协议需要把它告诉客户端.
type Connector interface {
	Connect(ctx context.Context, target Addr) (net.Conn, error)
}

type ConnectorFunc func(ctx context.Context, target Addr) (net.Conn, error)

func (f ConnectorFunc) Connect(ctx context.Context, target Addr) (net.Conn, error) {
	return f(ctx, target)
}

// ConnectService 是 Connector 的 service 形式, 以便套用 service 包中的 Layer.
type ConnectService = service.Service[Addr, net.Conn]

func AsService(c Connector) ConnectService {
	return service.Func[Addr, net.Conn](c.Connect)
}

func AsConnector(s ConnectService) Connector {
	return ConnectorFunc(s.Serve)
}

// WithConnectTimeout 限制整个连接步骤(解析, 拨号, 与上游代理的握手)的时长. 超时返回 service.ErrTimeout.
// d<=0 时原样返回 c.
func WithConnectTimeout(c Connector, d time.Duration) Connector {
	if d <= 0 {
		return c
	}
	return AsConnector(service.Apply(service.Timeout[Addr, net.Conn](d), AsService(c)))
}

const (
	DefaultFallbackDelay = 300 * time.Millisecond
	DefaultDialTimeout   = 10 * time.Second
)

// DirectConnector 直接拨号. 目标为域名时, 同时查询 ipv4 与 ipv6,
// 先用首选地址族拨号, FallbackDelay 之后(或首选失败时)再用另一个地址族并行拨号, 先成功的胜出.
type DirectConnector struct {
	Resolver      Resolver
	PreferIPv6    bool
	FallbackDelay time.Duration
	Timeout       time.Duration
	Dialer        net.Dialer
}

func (d *DirectConnector) resolver() Resolver {
	if d.Resolver == nil {
		return SystemResolver{}
	}
	return d.Resolver
}

func (d *DirectConnector) Connect(ctx context.Context, target Addr) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if target.IP != nil {
		c, err := d.Dialer.DialContext(ctx, "tcp", target.String())
		if err != nil {
			return nil, &utils.UpstreamError{Target: target.String(), Err: err}
		}
		return c, nil
	}

	type result struct {
		conn    net.Conn
		err     error
		primary bool
	}
	results := make(chan result, 2)
	start := func(primary bool) {
		useV6 := primary == d.PreferIPv6
		go func() {
			c, err := d.dialFamily(ctx, target, useV6)
			results <- result{c, err, primary}
		}()
	}

	delay := d.FallbackDelay
	if delay <= 0 {
		delay = DefaultFallbackDelay
	}
	fallbackTimer := time.NewTimer(delay)
	defer fallbackTimer.Stop()

	start(true)
	pending := 1
	fallbackStarted := false
	var primaryErr, fallbackErr error

	for {
		select {
		case <-fallbackTimer.C:
			if !fallbackStarted {
				fallbackStarted = true
				start(false)
				pending++
			}
		case r := <-results:
			pending--
			if r.err == nil {
				if pending > 0 {
					go func(n int) {
						for i := 0; i < n; i++ {
							if late := <-results; late.conn != nil {
								late.conn.Close()
							}
						}
					}(pending)
				}
				if ce := utils.CanLogDebug("direct connected"); ce != nil {
					ce.Write(zap.String("target", target.String()), zap.String("remote", r.conn.RemoteAddr().String()))
				}
				return r.conn, nil
			}
			if r.primary {
				primaryErr = r.err
			} else {
				fallbackErr = r.err
			}
			if !fallbackStarted {
				fallbackStarted = true
				fallbackTimer.Stop()
				start(false)
				pending++
			} else if pending == 0 {
				err := primaryErr
				if errors.Is(err, ErrNoSuchHost) && fallbackErr != nil {
					err = fallbackErr
				}
				return nil, &utils.UpstreamError{Target: target.String(), Err: err}
			}
		}
	}
}

func (d *DirectConnector) dialFamily(ctx context.Context, target Addr, v6 bool) (net.Conn, error) {
	var ips []net.IP
	var err error
	if v6 {
		ips, err = d.resolver().LookupIPv6(ctx, target.Name)
	} else {
		ips, err = d.resolver().LookupIPv4(ctx, target.Name)
	}
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, ErrNoSuchHost
	}

	network := "tcp4"
	if v6 {
		network = "tcp6"
	}
	for _, ip := range ips {
		a := Addr{IP: ip, Port: target.Port}
		var c net.Conn
		c, err = d.Dialer.DialContext(ctx, network, a.String())
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, err
}
