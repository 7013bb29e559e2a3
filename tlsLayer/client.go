package tlsLayer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"
	"time"

	"github.com/e1732a364fed/frontdoor/utils"
	utls "github.com/refraction-networking/utls"
	"go.uber.org/zap"
)

// ClientConf 是向上游发起 tls 的配置. Fingerprint 非空时用 utls 模拟对应客户端的 ClientHello.
type ClientConf struct {
	ServerName string
	Insecure   bool
	ALPN       []string
	RootCAs    *x509.CertPool

	Fingerprint string

	HandshakeTimeout time.Duration
}

// fingerprintID 把配置中的浏览器名映射到 utls 的 ClientHelloID. 空字符串表示不用 utls.
func fingerprintID(name string) (utls.ClientHelloID, bool) {
	switch strings.ToLower(name) {
	case "":
		return utls.ClientHelloID{}, false
	case "chrome":
		return utls.HelloChrome_Auto, true
	case "firefox":
		return utls.HelloFirefox_Auto, true
	case "ios":
		return utls.HelloIOS_Auto, true
	case "safari":
		return utls.HelloSafari_Auto, true
	case "golang":
		return utls.HelloGolang, true
	case "android":
		return utls.HelloAndroid_11_OkHttp, true
	case "360":
		return utls.Hello360_Auto, true
	case "edge":
		return utls.HelloEdge_Auto, true
	case "random":
		return utls.HelloRandomized, true
	default:
		return utls.HelloChrome_Auto, true
	}
}

// Handshake 在 underlay 上完成客户端握手. 出错时 underlay 已被关闭.
func (c *ClientConf) Handshake(ctx context.Context, underlay net.Conn) (net.Conn, error) {
	timeout := c.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result net.Conn
		err    error
	)
	if id, ok := fingerprintID(c.Fingerprint); ok {
		result, err = c.uHandshake(ctx, underlay, id)
	} else {
		tc := tls.Client(underlay, &tls.Config{
			ServerName:         c.ServerName,
			InsecureSkipVerify: c.Insecure,
			NextProtos:         c.ALPN,
			RootCAs:            c.RootCAs,
		})
		err = tc.HandshakeContext(ctx)
		result = tc
	}
	if err != nil {
		underlay.Close()
		return nil, utils.ErrInErr{ErrDesc: "tls client handshake failed", ErrDetail: err, Data: c.ServerName}
	}
	return result, nil
}

func (c *ClientConf) uHandshake(ctx context.Context, underlay net.Conn, id utls.ClientHelloID) (net.Conn, error) {
	//uTlsConfig 不能复用指针, 握手一次后配置会被污染, 所以每次新建
	uc := utls.UClient(underlay, &utls.Config{
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.Insecure,
		NextProtos:         c.ALPN,
		RootCAs:            c.RootCAs,
	}, id)

	if len(c.ALPN) > 0 && id != utls.HelloGolang {
		//指纹自带的alpn一般是 h2, http/1.1; 我们的上游只说 http/1.1 时要改掉, 否则可能协商出 h2
		if err := uc.BuildHandshakeState(); err != nil {
			return nil, err
		}
		for _, ext := range uc.Extensions {
			if ae, ok := ext.(*utls.ALPNExtension); ok {
				ae.AlpnProtocols = c.ALPN
			}
		}
		uc.HandshakeState.Hello.AlpnProtocols = c.ALPN
		if err := uc.MarshalClientHello(); err != nil {
			return nil, err
		}
	}

	if ce := utils.CanLogDebug("utls handshake"); ce != nil {
		ce.Write(zap.String("host", c.ServerName), zap.String("fingerprint", id.Str()))
	}

	if dl, ok := ctx.Deadline(); ok {
		underlay.SetDeadline(dl)
		defer underlay.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { underlay.SetDeadline(time.Now()) })
	defer stop()

	if err := uc.Handshake(); err != nil {
		return nil, err
	}
	return uc, nil
}
