// Package graceful coordinates shutdown between accept loops and the
// connection tasks they spawn.
//
// Once the shutdown signal fires, accept loops stop taking new work while
// already running tasks continue until they finish or the grace period runs
// out; after that their abort context is cancelled.
package graceful

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

var ErrShutdownTimeout = errors.New("graceful shutdown timed out")

type Shutdown struct {
	signalCtx    context.Context
	cancelSignal context.CancelFunc

	abortCtx    context.Context
	cancelAbort context.CancelFunc

	mu    sync.Mutex
	count int
	idle  chan struct{} //count 为0时是已关闭的
}

// New 创建一个 Shutdown; parent 被取消时(例如收到系统信号)即视为发出关闭信号.
func New(parent context.Context) *Shutdown {
	s := &Shutdown{
		idle: make(chan struct{}),
	}
	close(s.idle)
	s.signalCtx, s.cancelSignal = context.WithCancel(parent)
	s.abortCtx, s.cancelAbort = context.WithCancel(context.Background())
	return s
}

// Trigger 手动发出关闭信号. 可重复调用.
func (s *Shutdown) Trigger() {
	s.cancelSignal()
}

// ShutdownRequested 在关闭信号发出后可读.
func (s *Shutdown) ShutdownRequested() <-chan struct{} {
	return s.signalCtx.Done()
}

func (s *Shutdown) IsShuttingDown() bool {
	return s.signalCtx.Err() != nil
}

// SignalContext 在关闭信号发出时被取消. accept 循环用它来停止接受新连接.
func (s *Shutdown) SignalContext() context.Context {
	return s.signalCtx
}

// AbortContext 只在宽限期结束后被取消. 连接任务用它作为自己的 ctx.
func (s *Shutdown) AbortContext() context.Context {
	return s.abortCtx
}

// Active 返回当前未结束的 Guard 数量.
func (s *Shutdown) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Guard 登记一个任务. 任务结束时必须调用 Done.
func (s *Shutdown) Guard() *Guard {
	s.mu.Lock()
	if s.count == 0 {
		s.idle = make(chan struct{})
	}
	s.count++
	s.mu.Unlock()
	return &Guard{s: s}
}

func (s *Shutdown) release() {
	s.mu.Lock()
	s.count--
	if s.count == 0 {
		close(s.idle)
	}
	s.mu.Unlock()
}

func (s *Shutdown) idleChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// Wait 阻塞到关闭信号发出, 然后等待所有 Guard 结束. timeout<=0 表示一直等.
// 超过 timeout 时取消 AbortContext 并返回 ErrShutdownTimeout; 剩下的任务被放弃.
func (s *Shutdown) Wait(timeout time.Duration) error {
	<-s.signalCtx.Done()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		idle := s.idleChan()
		select {
		case <-idle:
			//在等待期间可能又有新的Guard登记进来, 再确认一次
			if s.Active() == 0 {
				s.cancelAbort()
				if ce := utils.CanLogInfo("graceful shutdown complete"); ce != nil {
					ce.Write()
				}
				return nil
			}
		case <-timer:
			n := s.Active()
			s.cancelAbort()
			if ce := utils.CanLogWarn("graceful shutdown timed out, abandoning tasks"); ce != nil {
				ce.Write(zap.Int("remaining", n), zap.Duration("timeout", timeout))
			}
			return ErrShutdownTimeout
		}
	}
}

// Guard 代表一个受 Shutdown 跟踪的任务.
type Guard struct {
	s    *Shutdown
	once sync.Once
}

func (g *Guard) Done() {
	g.once.Do(g.s.release)
}

// ShutdownRequested 让任务在合适的时机(例如 keep-alive 的两个请求之间)自行退出.
func (g *Guard) ShutdownRequested() <-chan struct{} {
	return g.s.ShutdownRequested()
}

// Context 在宽限期结束时被取消.
func (g *Guard) Context() context.Context {
	return g.s.abortCtx
}
