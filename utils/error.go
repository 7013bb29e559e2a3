package utils

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"syscall"
)

var ErrNotImplemented = errors.New("not implemented")
var ErrNilParameter = errors.New("nil parameter")
var ErrWrongParameter = errors.New("wrong parameter")
var ErrShortRead = errors.New("short read")

// ErrInvalidData 表示对端违反了协议. 各协议包的协议错误都应包装它, 以便 ErrorKind 识别.
var ErrInvalidData = errors.New("invalid data")

//没啥特殊的
type NumErr struct {
	N      int
	Prefix string
}

func (ne NumErr) Error() string {
	return ne.Prefix + strconv.Itoa(ne.N)
}

// ErrInErr 很适合一个err包含另一个err，并且提供附带数据的情况.
// 返回结构体，而不是指针, 这样可以避免内存逃逸到堆
type ErrInErr struct {
	ErrDesc   string
	ErrDetail error
	Data      any
}

func (e ErrInErr) Error() string {
	return e.String()
}

func (e ErrInErr) Unwrap() error {
	return e.ErrDetail
}

func (e ErrInErr) String() string {
	if e.Data != nil {
		if e.ErrDetail != nil {
			return fmt.Sprintf("%s : %s, Data: %v", e.ErrDesc, e.ErrDetail.Error(), e.Data)
		}
		return fmt.Sprintf("%s , Data: %v", e.ErrDesc, e.Data)
	}
	if e.ErrDetail != nil {
		return fmt.Sprintf("%s : %s", e.ErrDesc, e.ErrDetail.Error())
	}
	return e.ErrDesc
}

// AuthError 是认证失败. 和协议错误分开, 日志与统计中要单独区分.
// Err 可选, 为协议自己的哨兵错误, 供 errors.Is 判断.
type AuthError struct {
	Protocol string
	User     string
	Reason   string
	Err      error
}

func (e *AuthError) Error() string {
	if e.User == "" {
		return e.Protocol + " auth failed: " + e.Reason
	}
	return e.Protocol + " auth failed for user " + strconv.Quote(e.User) + ": " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// UpstreamError 是向目标地址(或上游代理)建立连接时发生的错误.
type UpstreamError struct {
	Target string
	Err    error
}

func (e *UpstreamError) Error() string {
	return "connect " + e.Target + " failed: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

const (
	KindAuth      = "auth"
	KindProtocol  = "protocol"
	KindTransport = "transport"
	KindUpstream  = "upstream"
	KindOther     = "other"
)

// ErrorKind 对错误进行粗分类, 用于选择日志级别与统计标签.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	if IsAuthError(err) {
		return KindAuth
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return KindUpstream
	}
	if IsTransportErr(err) {
		return KindTransport
	}
	if errors.Is(err, ErrInvalidData) {
		return KindProtocol
	}
	return KindOther
}

// IsTransportErr 判断是否是 eof/reset/timeout 之类的底层传输错误.
func IsTransportErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
