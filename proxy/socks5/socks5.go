/*
Package socks5 implements a socks5 server and client (RFC 1928, RFC 1929).

服务端按 握手 -> 认证(可选) -> 请求 -> 连接 -> 转发 的顺序处理一条连接, 任何一步失败都会关闭连接;
认证失败后不会再读取任何请求.

支持 CONNECT 与 UDP ASSOCIATE. BIND 会回复 CommandNotSupported.
*/
package socks5

import (
	"errors"
	"strconv"

	"github.com/e1732a364fed/frontdoor/utils"
)

const Name = "socks5"

// https://www.ietf.org/rfc/rfc1928.txt

// Version is socks5 version number.
const Version5 = 0x05

// SOCKS auth type
const (
	AuthNone             = 0x00
	AuthPassword         = 0x02
	AuthNoAcceptable     = 0xff
	UserPassVersion      = 0x01
	UserPassStatusOK     = 0x00
	UserPassStatusFailed = 0x01
)

// SOCKS request commands as defined in RFC 1928 section 4
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// SOCKS address types as defined in RFC 1928 section 4
const (
	ATypIP4    = 0x1
	ATypDomain = 0x3
	ATypIP6    = 0x4
)

// reply codes, RFC 1928 section 6
const (
	RepSucceeded               = 0x00
	RepGeneralFailure          = 0x01
	RepConnectionNotAllowed    = 0x02
	RepNetworkUnreachable      = 0x03
	RepHostUnreachable         = 0x04
	RepConnectionRefused       = 0x05
	RepTTLExpired              = 0x06
	RepCommandNotSupported     = 0x07
	RepAddressTypeNotSupported = 0x08
)

var (
	ErrAuthFailed           = errors.New("socks5 authentication failed")
	ErrNoAcceptableMethods  = utils.ErrInErr{ErrDesc: "socks5 no acceptable methods", ErrDetail: utils.ErrInvalidData}
	ErrCommandNotSupported  = utils.ErrInErr{ErrDesc: "socks5 command not supported", ErrDetail: utils.ErrInvalidData}
	ErrAddrTypeNotSupported = utils.ErrInErr{ErrDesc: "socks5 address type not supported", ErrDetail: utils.ErrInvalidData}
	ErrFragmentUnsupported  = utils.ErrInErr{ErrDesc: "socks5 udp fragmentation not supported", ErrDetail: utils.ErrInvalidData}
)

// ReplyError 是上游 socks5 服务器返回的失败回复.
type ReplyError struct {
	Code byte
}

func (e ReplyError) Error() string {
	return "socks5 server replied " + ReplyString(e.Code)
}

func ReplyString(code byte) string {
	switch code {
	case RepSucceeded:
		return "succeeded"
	case RepGeneralFailure:
		return "general failure"
	case RepConnectionNotAllowed:
		return "connection not allowed by ruleset"
	case RepNetworkUnreachable:
		return "network unreachable"
	case RepHostUnreachable:
		return "host unreachable"
	case RepConnectionRefused:
		return "connection refused"
	case RepTTLExpired:
		return "ttl expired"
	case RepCommandNotSupported:
		return "command not supported"
	case RepAddressTypeNotSupported:
		return "address type not supported"
	}
	return "unknown reply " + strconv.Itoa(int(code))
}
