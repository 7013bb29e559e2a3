/*
Package httpLayer 提供http层的服务: HTTP/1.1 连接循环, h2 适配, 以及 CONNECT / 代理认证 / 正向代理 / websocket 隧道 等 Layer.

请求被表示为 service.Service[*http.Request, *http.Response]. 每个请求都有自己的 Extensions,
其 parent 为连接的 Extensions.

若某个 Layer 想在响应之后接管底层连接(CONNECT, websocket), 就在请求的 Extensions 中写入 Upgrade;
连接循环写完 2xx/101 响应后, 把原始连接(已缓冲的字节会被重放)交给 Upgrade.Handler, 之后不再按 http 解析.
*/
package httpLayer

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
)

const Name = "http"

const (
	H11_Str = "http/1.1"
	H2_Str  = "h2"
)

var (
	ErrProxyAuthRequired = errors.New("http proxy authentication required")
	ErrNotProxyRequest   = utils.ErrInErr{ErrDesc: "not a proxy request", ErrDetail: utils.ErrInvalidData}
)

type Service = service.Service[*http.Request, *http.Response]
type Func = service.Func[*http.Request, *http.Response]
type Layer = service.Layer[*http.Request, *http.Response, *http.Request, *http.Response]
type LayerFunc = service.LayerFunc[*http.Request, *http.Response, *http.Request, *http.Response]

// Stack 与 service.Stack 相同, 第一个 layer 在最外层.
func Stack(s Service, layers ...Layer) Service {
	return service.Stack(s, layers...)
}

// Upgrade 表示响应写出后, 连接交给 Handler 处理.
// WritesResponse 为 true 时连接循环不写响应, 由 Handler 自己完成握手并写出响应(websocket).
type Upgrade struct {
	Handler        netLayer.Handler
	WritesResponse bool
}

// hop-by-hop headers, RFC 7230 section 6.1
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopHeaders 删除逐跳头部, 包括 Connection 中列出的头部.
func RemoveHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func headerContainsToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, f := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(f), token) {
				return true
			}
		}
	}
	return false
}

func isSuccessOrSwitch(code int) bool {
	return code == http.StatusSwitchingProtocols || (code >= 200 && code < 300)
}

func drainBody(b io.ReadCloser) {
	if b == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(b, 1<<20))
	b.Close()
}
