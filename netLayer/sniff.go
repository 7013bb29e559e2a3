package netLayer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

var (
	ErrNoMatch     = utils.ErrInErr{ErrDesc: "no protocol matched", ErrDetail: utils.ErrInvalidData}
	ErrPeekTimeout = errors.New("peek timeout")
)

type MatchResult int

const (
	NoMatch MatchResult = iota
	NeedMore
	Match
)

// Matcher 判断连接开头的字节是否属于某个协议. Match 不可消费或修改 prefix.
// 返回 NeedMore 表示还不能下结论.
type Matcher interface {
	Match(prefix []byte) MatchResult
}

type MatcherFunc func(prefix []byte) MatchResult

func (f MatcherFunc) Match(prefix []byte) MatchResult { return f(prefix) }

// PrefixMatcher 要求 prefix 以固定字节开头.
type PrefixMatcher []byte

func (p PrefixMatcher) Match(prefix []byte) MatchResult {
	if len(prefix) < len(p) {
		if bytes.HasPrefix(p, prefix) {
			return NeedMore
		}
		return NoMatch
	}
	if bytes.HasPrefix(prefix, p) {
		return Match
	}
	return NoMatch
}

// AnyPrefixMatcher 匹配其中任意一个前缀.
type AnyPrefixMatcher []PrefixMatcher

func (ps AnyPrefixMatcher) Match(prefix []byte) MatchResult {
	res := NoMatch
	for _, p := range ps {
		switch p.Match(prefix) {
		case Match:
			return Match
		case NeedMore:
			res = NeedMore
		}
	}
	return res
}

const tlsRecordTypeHandshake = 0x16

// TLSMatcher 匹配 TLS 握手记录: 0x16 后接 0x03 0x00..0x04 的 record 版本号.
var TLSMatcher Matcher = MatcherFunc(func(b []byte) MatchResult {
	if len(b) < 1 {
		return NeedMore
	}
	if b[0] != tlsRecordTypeHandshake {
		return NoMatch
	}
	if len(b) < 3 {
		if len(b) == 2 && b[1] != 3 {
			return NoMatch
		}
		return NeedMore
	}
	if b[1] == 3 && b[2] <= 4 {
		return Match
	}
	return NoMatch
})

func isKnownSocks5Method(m byte) bool {
	return m <= 0x09 || (m >= 0x80 && m <= 0xfe)
}

// Socks5Matcher 匹配 socks5 的问候: 0x05, 方法数, 且已读到的方法码都是已知的.
var Socks5Matcher Matcher = MatcherFunc(func(b []byte) MatchResult {
	if len(b) < 1 {
		return NeedMore
	}
	if b[0] != 0x05 {
		return NoMatch
	}
	if len(b) < 2 {
		return NeedMore
	}
	if b[1] == 0 {
		return NoMatch
	}
	for i := 2; i < len(b) && i < 2+int(b[1]); i++ {
		if !isKnownSocks5Method(b[i]) {
			return NoMatch
		}
	}
	return Match
})

var HTTP1Matcher Matcher = AnyPrefixMatcher{
	PrefixMatcher("GET "),
	PrefixMatcher("POST "),
	PrefixMatcher("PUT "),
	PrefixMatcher("DELETE "),
	PrefixMatcher("HEAD "),
	PrefixMatcher("OPTIONS "),
	PrefixMatcher("CONNECT "),
	PrefixMatcher("TRACE "),
	PrefixMatcher("PATCH "),
}

const H2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

var H2PrefaceMatcher Matcher = PrefixMatcher(H2Preface)

// DetectedProtocol 是 PeekRouter 选中的路由名称, 存于连接的 Extensions 中.
type DetectedProtocol string

type Route struct {
	Name    string
	Matcher Matcher
	Handler Handler
}

// TimeoutPolicy 决定在偷看超时的时候怎么办.
type TimeoutPolicy int

const (
	// TimeoutFallback 用已读到的字节(可能为空)走 Fallback. 没有 Fallback 时关闭连接.
	TimeoutFallback TimeoutPolicy = iota
	// TimeoutClose 直接关闭连接.
	TimeoutClose
)

const DefaultMaxPeek = 64

// PeekRouter 偷看连接开头的字节, 按 Routes 的顺序(即优先级)选择第一个匹配的处理者;
// 都不匹配时交给 Fallback, Fallback 为 nil 则关闭连接.
//
// 高优先级的匹配器返回 NeedMore 时, 即使低优先级的已经 Match 了也要继续读;
// 读到 EOF 或 MaxPeek 字节后, NeedMore 按 NoMatch 处理.
// 被选中的处理者收到的连接会先重放所有偷看过的字节.
type PeekRouter struct {
	Routes   []Route
	Fallback Handler

	MaxPeek       int
	PeekTimeout   time.Duration
	TimeoutPolicy TimeoutPolicy
}

func (r *PeekRouter) match(buf []byte, final bool) (idx int, needMore bool) {
	for i, route := range r.Routes {
		switch route.Matcher.Match(buf) {
		case Match:
			return i, false
		case NeedMore:
			if !final {
				return -1, true
			}
		}
	}
	return -1, false
}

func (r *PeekRouter) Serve(ctx context.Context, conn net.Conn) (struct{}, error) {
	max := r.MaxPeek
	if max <= 0 {
		max = DefaultMaxPeek
	}
	pc := NewPeekConn(conn)

	if r.PeekTimeout > 0 {
		pc.SetReadDeadline(time.Now().Add(r.PeekTimeout))
	}

	var (
		idx      = -1
		timedOut bool
	)
	buf := pc.Buffered()
	for {
		if len(buf) > 0 {
			final := len(buf) >= max
			var needMore bool
			idx, needMore = r.match(buf, final)
			if idx >= 0 || !needMore || final {
				break
			}
		}

		var err error
		buf, err = pc.Fill(max)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				timedOut = true
			} else if len(buf) == 0 || !errors.Is(err, io.EOF) {
				pc.Close()
				return struct{}{}, utils.ErrInErr{ErrDesc: "peek failed", ErrDetail: err}
			}
			idx, _ = r.match(buf, true)
			break
		}
	}

	if r.PeekTimeout > 0 {
		pc.SetReadDeadline(time.Time{})
	}

	if idx < 0 && timedOut && r.TimeoutPolicy == TimeoutClose {
		pc.Close()
		return struct{}{}, ErrPeekTimeout
	}

	var h Handler
	var name string
	if idx >= 0 {
		h = r.Routes[idx].Handler
		name = r.Routes[idx].Name
	} else {
		h = r.Fallback
		name = "fallback"
	}

	if ce := utils.CanLogDebug("peek router"); ce != nil {
		ce.Write(zap.String("route", name), zap.Int("peeked", len(pc.Buffered())), zap.Bool("timeout", timedOut))
	}

	if h == nil {
		pc.Close()
		return struct{}{}, ErrNoMatch
	}

	service.InsertInto(ctx, DetectedProtocol(name))

	return h.Serve(ctx, pc)
}
