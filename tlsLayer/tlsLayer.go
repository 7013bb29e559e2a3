/*
Package tlsLayer terminates and originates tls for the front door.

服务端由 Acceptor 完成握手, 证书由 CertIssuer 按 ClientHello 动态给出; 握手成功后,
SecureTransport 被写入连接的 Extensions, 之后的处理者可以据此得知 sni 与协商出的 alpn.

客户端用 ClientConf.Handshake, 可选 utls 指纹.
*/
package tlsLayer

import (
	"crypto/tls"
	"errors"
)

var ErrNoCertificate = errors.New("no certificate for this client hello")

// SecureTransport 表示连接已经过 tls. ClientHello 只在 Acceptor 配置了 StoreClientHello 时非空.
type SecureTransport struct {
	ClientHello    *ClientHello
	NegotiatedALPN string
	Version        uint16
	ServerName     string
}

func VersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "tls1.0"
	case tls.VersionTLS11:
		return "tls1.1"
	case tls.VersionTLS12:
		return "tls1.2"
	case tls.VersionTLS13:
		return "tls1.3"
	}
	return "unknown"
}

// ParseVersion 解析 "1.2", "tls1.3" 之类的字符串, 空字符串返回0.
func ParseVersion(s string) (uint16, error) {
	switch s {
	case "":
		return 0, nil
	case "1.0", "tls1.0":
		return tls.VersionTLS10, nil
	case "1.1", "tls1.1":
		return tls.VersionTLS11, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	case "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	}
	return 0, errors.New("unknown tls version " + s)
}
