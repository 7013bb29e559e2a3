package tlsLayer

import (
	"crypto/tls"
	"strings"

	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/utils"
	"golang.org/x/crypto/cryptobyte"
)

const (
	recordTypeHandshake         = 0x16
	handshakeTypeClientHello    = 1
	extensionServerName         = 0
	extensionALPN               = 16
	extensionSupportedVersions  = 43
	serverNameTypeHostName      = 0
	recordHeaderLen             = 5
	maxClientHelloRecordPayload = 16384
)

var ErrNotClientHello = utils.ErrInErr{ErrDesc: "not a tls client hello", ErrDetail: utils.ErrInvalidData}

// ClientHello 是我们关心的 ClientHello 字段. Info 只在由 crypto/tls 回调构造时非空.
type ClientHello struct {
	ServerName        string
	ALPN              []string
	SupportedVersions []uint16
	CipherSuites      []uint16

	Info *tls.ClientHelloInfo
}

func NewClientHello(chi *tls.ClientHelloInfo) *ClientHello {
	return &ClientHello{
		ServerName:        chi.ServerName,
		ALPN:              chi.SupportedProtos,
		SupportedVersions: chi.SupportedVersions,
		CipherSuites:      chi.CipherSuites,
		Info:              chi,
	}
}

// ParseClientHelloRecord 从一个完整的 tls record 中解析 ClientHello.
// 数据不完整时返回的错误包装 utils.ErrShortRead, 可以再多读一些后重试.
func ParseClientHelloRecord(b []byte) (*ClientHello, error) {
	s := cryptobyte.String(b)
	var (
		contentType uint8
		recordVer   uint16
		record      cryptobyte.String
	)
	if !s.ReadUint8(&contentType) || !s.ReadUint16(&recordVer) {
		return nil, utils.ErrShortRead
	}
	if contentType != recordTypeHandshake || recordVer>>8 != 3 {
		return nil, ErrNotClientHello
	}
	if !s.ReadUint16LengthPrefixed(&record) {
		return nil, utils.ErrShortRead
	}

	var (
		hsType uint8
		body   cryptobyte.String
	)
	if !record.ReadUint8(&hsType) {
		return nil, ErrNotClientHello
	}
	if hsType != handshakeTypeClientHello {
		return nil, ErrNotClientHello
	}
	if !record.ReadUint24LengthPrefixed(&body) {
		//ClientHello 跨越了多个 record, 不常见, 我们不处理
		return nil, utils.ErrInErr{ErrDesc: "client hello spans records", ErrDetail: utils.ErrInvalidData}
	}

	var (
		legacyVer   uint16
		random      []byte
		sessionID   cryptobyte.String
		suites      cryptobyte.String
		compression cryptobyte.String
	)
	if !body.ReadUint16(&legacyVer) || !body.ReadBytes(&random, 32) ||
		!body.ReadUint8LengthPrefixed(&sessionID) || !body.ReadUint16LengthPrefixed(&suites) ||
		!body.ReadUint8LengthPrefixed(&compression) {
		return nil, ErrNotClientHello
	}

	ch := &ClientHello{}
	for !suites.Empty() {
		var cs uint16
		if !suites.ReadUint16(&cs) {
			return nil, ErrNotClientHello
		}
		ch.CipherSuites = append(ch.CipherSuites, cs)
	}

	if body.Empty() {
		ch.SupportedVersions = []uint16{legacyVer}
		return ch, nil
	}

	var exts cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&exts) {
		return nil, ErrNotClientHello
	}
	for !exts.Empty() {
		var (
			typ  uint16
			data cryptobyte.String
		)
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&data) {
			return nil, ErrNotClientHello
		}
		switch typ {
		case extensionServerName:
			var list cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&list) {
				return nil, ErrNotClientHello
			}
			for !list.Empty() {
				var (
					nameType uint8
					name     cryptobyte.String
				)
				if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
					return nil, ErrNotClientHello
				}
				if nameType == serverNameTypeHostName {
					ch.ServerName = strings.TrimSuffix(string(name), ".")
				}
			}
		case extensionALPN:
			var list cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&list) {
				return nil, ErrNotClientHello
			}
			for !list.Empty() {
				var proto cryptobyte.String
				if !list.ReadUint8LengthPrefixed(&proto) || len(proto) == 0 {
					return nil, ErrNotClientHello
				}
				ch.ALPN = append(ch.ALPN, string(proto))
			}
		case extensionSupportedVersions:
			var list cryptobyte.String
			if !data.ReadUint8LengthPrefixed(&list) {
				return nil, ErrNotClientHello
			}
			for !list.Empty() {
				var v uint16
				if !list.ReadUint16(&v) {
					return nil, ErrNotClientHello
				}
				ch.SupportedVersions = append(ch.SupportedVersions, v)
			}
		}
	}
	if len(ch.SupportedVersions) == 0 {
		ch.SupportedVersions = []uint16{legacyVer}
	}
	return ch, nil
}

// PeekClientHello 偷看 pc 开头的 ClientHello 而不消费它.
func PeekClientHello(pc *netLayer.PeekConn) (*ClientHello, error) {
	head, err := pc.Peek(recordHeaderLen)
	if err != nil {
		return nil, err
	}
	if head[0] != recordTypeHandshake {
		return nil, ErrNotClientHello
	}
	n := int(head[3])<<8 | int(head[4])
	if n > maxClientHelloRecordPayload {
		return nil, ErrNotClientHello
	}
	all, err := pc.Peek(recordHeaderLen + n)
	if err != nil {
		return nil, err
	}
	return ParseClientHelloRecord(all)
}

// SNIMatcher 匹配 ServerName 在 names 中(忽略大小写)的 ClientHello. 名称可以是 *.example.com 这样的通配.
// 偷看的最大长度需要足够装下整个 ClientHello record.
func SNIMatcher(names ...string) netLayer.Matcher {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}
	return netLayer.MatcherFunc(func(prefix []byte) netLayer.MatchResult {
		if netLayer.TLSMatcher.Match(prefix) != netLayer.Match {
			return netLayer.TLSMatcher.Match(prefix)
		}
		ch, err := ParseClientHelloRecord(prefix)
		if err != nil {
			if err == utils.ErrShortRead {
				return netLayer.NeedMore
			}
			return netLayer.NoMatch
		}
		if sniLookup(set, ch.ServerName) {
			return netLayer.Match
		}
		return netLayer.NoMatch
	})
}

func sniLookup(set map[string]bool, name string) bool {
	name = strings.ToLower(name)
	if name == "" {
		return false
	}
	if set[name] {
		return true
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		return set["*"+name[i:]]
	}
	return false
}
