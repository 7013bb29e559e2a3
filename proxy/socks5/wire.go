package socks5

import (
	"bytes"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
)

// maxAddrLen 为 atyp(1) + 长度(1) + 域名(255) + 端口(2)
const maxAddrLen = 1 + 1 + 255 + 2

// Request 是客户端在认证后发出的请求.
type Request struct {
	Cmd  byte
	Addr netLayer.Addr
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

// ReadGreeting 读取 ver, nmethods, methods.
func ReadGreeting(r io.Reader) (methods []byte, err error) {
	var head [2]byte
	if err = readFull(r, head[:]); err != nil {
		return
	}
	if head[0] != Version5 {
		return nil, utils.ErrInErr{ErrDesc: "unsupported socks version", ErrDetail: utils.ErrInvalidData, Data: head[0]}
	}
	if head[1] == 0 {
		return nil, utils.ErrInErr{ErrDesc: "socks5 greeting has no methods", ErrDetail: utils.ErrInvalidData}
	}
	methods = make([]byte, head[1])
	err = readFull(r, methods)
	return
}

func WriteMethodSelection(w io.Writer, method byte) error {
	_, err := w.Write([]byte{Version5, method})
	return err
}

// ReadUserPassRequest 读取 RFC 1929 的用户名密码子协商请求.
func ReadUserPassRequest(r io.Reader) (user, pass string, err error) {
	var b [2]byte
	if err = readFull(r, b[:]); err != nil {
		return
	}
	if b[0] != UserPassVersion {
		err = utils.ErrInErr{ErrDesc: "unsupported socks5 user/pass version", ErrDetail: utils.ErrInvalidData, Data: b[0]}
		return
	}
	ub := make([]byte, b[1])
	if err = readFull(r, ub); err != nil {
		return
	}
	if err = readFull(r, b[:1]); err != nil {
		return
	}
	pb := make([]byte, b[0])
	if err = readFull(r, pb); err != nil {
		return
	}
	return string(ub), string(pb), nil
}

func WriteUserPassRequest(w io.Writer, user, pass string) error {
	if len(user) > 255 || len(pass) > 255 {
		return utils.ErrInErr{ErrDesc: "socks5 user or pass too long", ErrDetail: utils.ErrWrongParameter}
	}
	buf := make([]byte, 0, 3+len(user)+len(pass))
	buf = append(buf, UserPassVersion, byte(len(user)))
	buf = append(buf, user...)
	buf = append(buf, byte(len(pass)))
	buf = append(buf, pass...)
	_, err := w.Write(buf)
	return err
}

func WriteUserPassStatus(w io.Writer, status byte) error {
	_, err := w.Write([]byte{UserPassVersion, status})
	return err
}

// ReadAddr 读取 atyp, 地址 与 端口.
func ReadAddr(r io.Reader) (netLayer.Addr, error) {
	var atyp [1]byte
	if err := readFull(r, atyp[:]); err != nil {
		return netLayer.Addr{}, err
	}
	return readAddrBody(r, atyp[0])
}

func readAddrBody(r io.Reader, atyp byte) (a netLayer.Addr, err error) {
	switch atyp {
	case ATypIP4, ATypIP6:
		l := net.IPv4len
		if atyp == ATypIP6 {
			l = net.IPv6len
		}
		ip := make(net.IP, l)
		if err = readFull(r, ip); err != nil {
			return
		}
		a.IP = ip
	case ATypDomain:
		var l [1]byte
		if err = readFull(r, l[:]); err != nil {
			return
		}
		if l[0] == 0 {
			err = utils.ErrInErr{ErrDesc: "socks5 zero length domain", ErrDetail: utils.ErrInvalidData}
			return
		}
		name := make([]byte, l[0])
		if err = readFull(r, name); err != nil {
			return
		}
		//浏览器一般不会自己dns, 会把ip也当作域名传入
		if ip := net.ParseIP(string(name)); ip != nil {
			a.IP = ip
		} else {
			a.Name = string(name)
		}
	default:
		err = ErrAddrTypeNotSupported
		return
	}

	var port [2]byte
	if err = readFull(r, port[:]); err != nil {
		return
	}
	a.Port = int(port[0])<<8 | int(port[1])
	return
}

// AppendAddr 按 socks5 的格式写入 atyp, 地址 与 端口. 空地址写为 0.0.0.0:0
func AppendAddr(b []byte, a netLayer.Addr) []byte {
	switch {
	case a.IP != nil && a.IP.To4() != nil:
		b = append(b, ATypIP4)
		b = append(b, a.IP.To4()...)
	case a.IsIpv6():
		b = append(b, ATypIP6)
		b = append(b, a.IP.To16()...)
	case a.IsDomain():
		b = append(b, ATypDomain, byte(len(a.Name)))
		b = append(b, a.Name...)
	default:
		b = append(b, ATypIP4, 0, 0, 0, 0)
	}
	return append(b, byte(a.Port>>8), byte(a.Port))
}

func ReadRequest(r io.Reader) (req Request, err error) {
	var head [4]byte
	if err = readFull(r, head[:]); err != nil {
		return
	}
	if head[0] != Version5 {
		err = utils.ErrInErr{ErrDesc: "unsupported socks version in request", ErrDetail: utils.ErrInvalidData, Data: head[0]}
		return
	}
	req.Cmd = head[1]
	req.Addr, err = readAddrBody(r, head[3])
	return
}

func WriteRequest(w io.Writer, cmd byte, a netLayer.Addr) error {
	if len(a.Name) > netLayer.MaxDomainLen {
		return utils.ErrInErr{ErrDesc: "domain too long", ErrDetail: utils.ErrWrongParameter, Data: a.Name}
	}
	buf := make([]byte, 0, 3+maxAddrLen)
	buf = append(buf, Version5, cmd, 0)
	buf = AppendAddr(buf, a)
	_, err := w.Write(buf)
	return err
}

// WriteReply 写出回复. 失败时 bound 应为空, 即写出全零地址.
func WriteReply(w io.Writer, rep byte, bound netLayer.Addr) error {
	buf := make([]byte, 0, 3+maxAddrLen)
	buf = append(buf, Version5, rep, 0)
	buf = AppendAddr(buf, bound)
	_, err := w.Write(buf)
	return err
}

// ReadReply 读取回复; 回复码不为 0 时返回 ReplyError.
func ReadReply(r io.Reader) (bound netLayer.Addr, err error) {
	var head [4]byte
	if err = readFull(r, head[:]); err != nil {
		return
	}
	if head[0] != Version5 {
		err = utils.ErrInErr{ErrDesc: "unsupported socks version in reply", ErrDetail: utils.ErrInvalidData, Data: head[0]}
		return
	}
	bound, err = readAddrBody(r, head[3])
	if err != nil {
		return
	}
	if head[1] != RepSucceeded {
		err = ReplyError{Code: head[1]}
	}
	return
}

// ReplyForError 把连接上游时的错误映射为最接近的回复码.
func ReplyForError(err error) byte {
	var re ReplyError
	var ne net.Error
	switch {
	case err == nil:
		return RepSucceeded
	case errors.As(err, &re):
		return re.Code
	case errors.Is(err, syscall.ECONNREFUSED):
		return RepConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return RepNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, netLayer.ErrNoSuchHost):
		return RepHostUnreachable
	case errors.Is(err, netLayer.ErrFiltered), errors.Is(err, netLayer.ErrUpstreamUnavailable):
		return RepConnectionNotAllowed
	case errors.Is(err, service.ErrTimeout), errors.As(err, &ne) && ne.Timeout():
		return RepTTLExpired
	}
	return RepGeneralFailure
}

// UDPHeader 是 RFC 1928 section 7 中 udp 数据报的头部.
type UDPHeader struct {
	Frag byte
	Addr netLayer.Addr
}

// ParseUDPHeader 解析头部, 返回其后的负载. Frag 不为0 时返回 ErrFragmentUnsupported.
func ParseUDPHeader(b []byte) (h UDPHeader, payload []byte, err error) {
	if len(b) < 4 {
		err = utils.ErrInErr{ErrDesc: "socks5 udp packet too short", ErrDetail: utils.ErrInvalidData, Data: len(b)}
		return
	}
	h.Frag = b[2]
	if h.Frag != 0 {
		err = ErrFragmentUnsupported
		return
	}
	r := bytes.NewReader(b[3:])
	h.Addr, err = ReadAddr(r)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = utils.ErrInErr{ErrDesc: "socks5 udp header truncated", ErrDetail: utils.ErrInvalidData}
		}
		return
	}
	h.Addr.Network = "udp"
	payload = b[len(b)-r.Len():]
	return
}

// AppendUDPHeader 写入 rsv(2) frag(1) 与地址.
func AppendUDPHeader(b []byte, a netLayer.Addr) []byte {
	b = append(b, 0, 0, 0)
	return AppendAddr(b, a)
}
