package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/e1732a364fed/frontdoor/utils"
)

// Authenticator 是一种 socks5 认证方法. Authenticate 在方法选择回复之后调用,
// 完成该方法的子协商; 返回错误时服务端会关闭连接.
type Authenticator interface {
	Method() byte
	Authenticate(ctx context.Context, rw io.ReadWriter) (user string, err error)
}

type NoAuth struct{}

func (NoAuth) Method() byte { return AuthNone }

func (NoAuth) Authenticate(context.Context, io.ReadWriter) (string, error) { return "", nil }

// Authorizer 检查用户名与密码.
type Authorizer interface {
	Authorize(ctx context.Context, user, pass string) error
}

type AuthorizerFunc func(ctx context.Context, user, pass string) error

func (f AuthorizerFunc) Authorize(ctx context.Context, user, pass string) error {
	return f(ctx, user, pass)
}

var errBadCredentials = errors.New("bad credentials")

// StaticAuthorizer 精确匹配用户名与密码.
type StaticAuthorizer struct {
	Users *utils.MultiUserMap
}

func (a StaticAuthorizer) Authorize(_ context.Context, user, pass string) error {
	if a.Users == nil || a.Users.AuthUserPass(user, pass) == nil {
		return errBadCredentials
	}
	return nil
}

// UsernameOnlyAuthorizer 只检查用户名, 忽略密码. 不安全, 仅用于把用户名当作标签的场景.
type UsernameOnlyAuthorizer struct {
	Users *utils.MultiUserMap
}

func (a UsernameOnlyAuthorizer) Authorize(_ context.Context, user, _ string) error {
	if a.Users == nil || a.Users.HasUserByStr(user) == nil {
		return errBadCredentials
	}
	return nil
}

// UserPassAuth 是 RFC 1929 的用户名密码认证.
type UserPassAuth struct {
	Authorizer Authorizer
}

func (UserPassAuth) Method() byte { return AuthPassword }

func (a UserPassAuth) Authenticate(ctx context.Context, rw io.ReadWriter) (string, error) {
	user, pass, err := ReadUserPassRequest(rw)
	if err != nil {
		return "", err
	}
	if a.Authorizer == nil {
		err = errBadCredentials
	} else {
		err = a.Authorizer.Authorize(ctx, user, pass)
	}
	if err != nil {
		WriteUserPassStatus(rw, UserPassStatusFailed)
		return user, fmt.Errorf("%w: %w", ErrAuthFailed, &utils.AuthError{Protocol: Name, User: user, Reason: err.Error()})
	}
	return user, WriteUserPassStatus(rw, UserPassStatusOK)
}
