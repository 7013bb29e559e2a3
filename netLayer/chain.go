package netLayer

import (
	"context"
	"errors"
	"net"

	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

var ErrUpstreamUnavailable = errors.New("required upstream proxy unavailable")

// ChainLink 是 ChainConnector 中的一个候选上游.
type ChainLink struct {
	Tag       string
	Connector Connector

	// Available 为 nil 视为总是可用. 不可用时, Optional 的链接被跳过, 否则整个连接失败.
	Available func(ctx context.Context) bool
	Optional  bool
}

func (l *ChainLink) present(ctx context.Context) bool {
	if l.Connector == nil {
		return false
	}
	return l.Available == nil || l.Available(ctx)
}

// ChainConnector 依次检查 Links, 使用第一个可用的上游; 都不可用时使用 Direct.
//
// 只在上游"不存在/不可用"时才尝试下一个; 已选中的上游连接失败时直接返回错误,
// 不会偷偷改为直连, 以免绕过用户配置的代理.
type ChainConnector struct {
	Links  []ChainLink
	Direct Connector
}

func (cc *ChainConnector) Connect(ctx context.Context, target Addr) (net.Conn, error) {
	for i := range cc.Links {
		l := &cc.Links[i]
		if !l.present(ctx) {
			if l.Optional {
				continue
			}
			return nil, &utils.UpstreamError{Target: target.String(), Err: utils.ErrInErr{ErrDesc: l.Tag, ErrDetail: ErrUpstreamUnavailable}}
		}

		if ce := utils.CanLogDebug("connect via upstream"); ce != nil {
			ce.Write(zap.String("tag", l.Tag), zap.String("target", target.String()))
		}
		return l.Connector.Connect(ctx, target)
	}
	if cc.Direct == nil {
		return nil, &utils.UpstreamError{Target: target.String(), Err: ErrUpstreamUnavailable}
	}
	return cc.Direct.Connect(ctx, target)
}
