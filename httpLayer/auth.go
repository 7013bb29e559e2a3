package httpLayer

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/e1732a364fed/frontdoor/metrics"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

const DefaultRealm = "frontdoor"

// Authorizer 检查用户名与密码. socks5 包中的 StaticAuthorizer 等都可以直接使用.
type Authorizer interface {
	Authorize(ctx context.Context, user, pass string) error
}

// ProxyAuth 是代理认证 Layer. 没有或错误的 Proxy-Authorization 一律回复 407, 并关闭连接;
// 此时不会调用内层服务, 所以 CONNECT 绝不会得到 200.
type ProxyAuth struct {
	Authorizer Authorizer
	Realm      string

	Metrics *metrics.Metrics
}

func (pa ProxyAuth) Layer(inner Service) Service {
	realm := pa.Realm
	if realm == "" {
		realm = DefaultRealm
	}
	challenge := "Basic realm=" + strconv.Quote(realm)

	return Func(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		user, pass, ok := ParseBasicAuth(req.Header.Get("Proxy-Authorization"))

		var reason string
		switch {
		case !ok:
			reason = "missing credentials"
		case pa.Authorizer == nil:
			reason = "no authorizer"
		default:
			if err := pa.Authorizer.Authorize(ctx, user, pass); err != nil {
				reason = err.Error()
			}
		}

		if reason != "" {
			aerr := &utils.AuthError{Protocol: Name, User: user, Reason: reason, Err: ErrProxyAuthRequired}
			pa.Metrics.Error(Name, aerr)
			//没带凭据的第一次请求是正常的流程, 不必警告
			if ok {
				utils.LogErrByKind("http proxy auth failed", aerr, zap.String("method", req.Method), zap.String("uri", req.RequestURI))
			}

			drainBody(req.Body)
			resp := NewResponse(req, http.StatusProxyAuthRequired)
			resp.Header.Set("Proxy-Authenticate", challenge)
			resp.Header.Set("Content-Length", "0")
			resp.Close = true
			return resp, nil
		}

		req.Header.Del("Proxy-Authorization")
		service.InsertInto(ctx, utils.AuthenticatedUser{Protocol: Name, Name: user})
		return inner.Serve(ctx, req)
	})
}

// ParseBasicAuth 解析 "Basic base64(user:pass)".
func ParseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(v) < len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v[len(prefix):]))
	if err != nil {
		return
	}
	user, pass, ok = strings.Cut(string(b), ":")
	return
}

// BasicAuth 生成 Proxy-Authorization 的值.
func BasicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}
