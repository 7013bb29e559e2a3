/*
Package machine 定义一个 可以直接运行的有限状态机；这个机器可以直接被可执行文件或者其它程序所使用.

machine把运行前门所需要的东西都包装起来，对外像一个黑盒子: New 按配置组装, Start 开始监听, Stop 优雅关闭.

关键点是不使用任何静态变量，所有变量都放在machine中。
*/
package machine

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/e1732a364fed/frontdoor/config"
	"github.com/e1732a364fed/frontdoor/graceful"
	"github.com/e1732a364fed/frontdoor/metrics"
	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

var ErrAlreadyRunning = utils.ErrInErr{ErrDesc: "machine is already running", ErrDetail: utils.ErrWrongParameter}

type frontDoor struct {
	conf    *config.ListenConf
	handler netLayer.Handler
	closers []io.Closer

	ln net.Listener
}

func (fd *frontDoor) close() {
	for _, c := range fd.closers {
		c.Close()
	}
	fd.closers = nil
}

type M struct {
	Stats
	Metrics *metrics.Metrics

	conf *config.Standard

	resolver  netLayer.Resolver
	connector netLayer.Connector

	fronts []*frontDoor

	sync.RWMutex
	running bool
	sd      *graceful.Shutdown
	stopCtx context.CancelFunc
	served  sync.WaitGroup

	toggle []func(running bool) //开关代理时调用
}

// New 检查配置并组装所有前门, 但还不监听.
func New(conf *config.Standard) (*M, error) {
	if conf == nil {
		return nil, utils.ErrInErr{ErrDesc: "machine needs a config", ErrDetail: utils.ErrNilParameter}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	m := &M{conf: conf, Metrics: metrics.New()}

	var err error
	if m.resolver, err = loadResolver(conf.DNS); err != nil {
		return nil, err
	}
	direct := loadDirect(conf.DNS, m.resolver)
	connector, err := loadConnector(conf.Dial, direct)
	if err != nil {
		return nil, err
	}
	m.connector = m.Stats.wrapConnector(netLayer.WithConnectTimeout(connector, conf.App.GetConnectTimeout()))

	for _, lc := range conf.Listen {
		fd, err := m.loadFrontDoor(lc)
		if err != nil {
			m.closeFronts()
			return nil, utils.ErrInErr{ErrDesc: "can not create front door", ErrDetail: err, Data: lc.Name()}
		}
		m.fronts = append(m.fronts, fd)
	}
	return m, nil
}

func (m *M) closeFronts() {
	for _, fd := range m.fronts {
		fd.close()
	}
}

func (m *M) ListenCount() int {
	return len(m.fronts)
}

func (m *M) IsRunning() bool {
	m.RLock()
	defer m.RUnlock()
	return m.running
}

// AddToggleCallback 注册在 Start 成功与 Stop 之后调用的函数.
func (m *M) AddToggleCallback(f func(running bool)) {
	m.Lock()
	m.toggle = append(m.toggle, f)
	m.Unlock()
}

func (m *M) callToggle(running bool) {
	m.RLock()
	fs := m.toggle
	m.RUnlock()
	for _, f := range fs {
		f(running)
	}
}

// Start 监听所有前门并开始服务. 任何一个监听失败时, 已经打开的监听都会被关闭.
// ctx 结束等同于发出关闭信号, 但等待连接结束仍需调用 Stop.
func (m *M) Start(ctx context.Context) error {
	m.Lock()
	if m.running {
		m.Unlock()
		return ErrAlreadyRunning
	}

	for i, fd := range m.fronts {
		lc := fd.conf
		ln, err := netLayer.Listen(lc.Network, lc.GetAddrStr(), &netLayer.ListenOptions{
			ProxyProtocol: proxyProtocolPolicy(lc.ProxyProtocol),
			Sockopt:       &netLayer.Sockopt{},
		})
		if err != nil {
			for _, opened := range m.fronts[:i] {
				opened.ln.Close()
				opened.ln = nil
			}
			m.Unlock()
			return err
		}
		fd.ln = ln
	}

	m.sd = graceful.New(ctx)
	metricsCtx, cancel := context.WithCancel(context.Background())
	m.stopCtx = cancel

	if ce := utils.CanLogInfo("Starting..."); ce != nil {
		ce.Write(zap.Int("listen", len(m.fronts)))
	}
	for _, fd := range m.fronts {
		fd := fd
		if ce := utils.CanLogInfo("front door listening"); ce != nil {
			ce.Write(zap.String("tag", fd.conf.Tag), zap.String("addr", fd.ln.Addr().String()))
		}
		m.served.Add(1)
		go func() {
			defer m.served.Done()
			if err := netLayer.Serve(fd.ln, fd.handler, m.sd); err != nil {
				if ce := utils.CanLogErr("front door stopped"); ce != nil {
					ce.Write(zap.String("addr", fd.ln.Addr().String()), zap.Error(err))
				}
			}
		}()
	}

	if app := m.conf.App; app != nil && app.MetricsAddr != "" {
		go func() {
			if err := m.Metrics.Serve(metricsCtx, app.MetricsAddr); err != nil {
				if ce := utils.CanLogErr("metrics server failed"); ce != nil {
					ce.Write(zap.Error(err))
				}
			}
		}()
	}

	m.running = true
	m.Unlock()
	m.callToggle(true)
	return nil
}

// Stop 停止接受新连接, 并等待已有的连接结束, 最多 timeout. 超时返回 graceful.ErrShutdownTimeout,
// 此时剩下的连接被强行中断. Stop 之后可以再次 Start.
func (m *M) Stop(timeout time.Duration) error {
	m.Lock()
	if !m.running {
		m.Unlock()
		return nil
	}
	m.running = false
	sd, cancel := m.sd, m.stopCtx
	m.Unlock()

	if ce := utils.CanLogInfo("Stopping..."); ce != nil {
		ce.Write(zap.Duration("timeout", timeout))
	}
	sd.Trigger()
	err := sd.Wait(timeout)
	m.served.Wait()
	cancel()

	m.Lock()
	for _, fd := range m.fronts {
		fd.ln = nil
	}
	m.Unlock()

	m.callToggle(false)
	return err
}

// Close 释放 geoip 文件等资源, 之后 m 不可再用. 运行中时先以 timeout 为时限 Stop.
func (m *M) Close(timeout time.Duration) error {
	err := m.Stop(timeout)
	m.closeFronts()
	return err
}

// ShutdownTimeout 是配置中的优雅关闭时限.
func (m *M) ShutdownTimeout() time.Duration {
	return m.conf.App.GetShutdownTimeout()
}

// Addrs 返回正在监听的地址, 顺序同配置中的 listen. 未运行时为空.
func (m *M) Addrs() []net.Addr {
	m.RLock()
	defer m.RUnlock()
	var as []net.Addr
	for _, fd := range m.fronts {
		if fd.ln != nil {
			as = append(as, fd.ln.Addr())
		}
	}
	return as
}

func (m *M) PrintAllState(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	m.Stats.Print(w)
	for i, fd := range m.fronts {
		fmt.Fprintln(w, "frontDoor", i, fd.conf.Name())
	}
	for i, dc := range m.conf.Dial {
		fmt.Fprintln(w, "upstream", i, dc.Protocol, dc.Name(), "optional:", dc.Optional)
	}
}
