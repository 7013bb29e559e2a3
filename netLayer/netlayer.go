/*
Package netLayer contains the transport level building blocks of frontdoor:
addresses, the peek-and-replay connection used for protocol detection, the
peek router, relaying, listening, dialing and name resolution.

A connection handler is a service.Service taking a net.Conn; it owns the
connection and must close it when done.
*/
package netLayer

import (
	"context"
	"net"

	"github.com/e1732a364fed/frontdoor/service"
)

// Handler 处理一条连接, 负责最终关闭它.
type Handler = service.Service[net.Conn, struct{}]

// HandlerFunc adapts a function to a Handler.
type HandlerFunc = service.Func[net.Conn, struct{}]

// ConnLayer 包装一个 Handler.
type ConnLayer = service.Layer[net.Conn, struct{}, net.Conn, struct{}]

// ConnLayerFunc adapts a function to a ConnLayer.
type ConnLayerFunc = service.LayerFunc[net.Conn, struct{}, net.Conn, struct{}]

// CloseHandler 直接关闭连接, 可作为兜底的 fallback.
var CloseHandler Handler = HandlerFunc(func(_ context.Context, c net.Conn) (struct{}, error) {
	return struct{}{}, c.Close()
})

// StackHandler 是 service.Stack 在 Handler 上的简写.
func StackHandler(h Handler, layers ...ConnLayer) Handler {
	return service.Stack[net.Conn, struct{}](h, layers...)
}
