package socks5

import (
	"context"
	"net"

	"github.com/e1732a364fed/frontdoor/netLayer"
	"github.com/e1732a364fed/frontdoor/utils"
)

// ClientUDPConn 是通过 UDP ASSOCIATE 建立的 udp 通道. 关闭它会同时关闭 tcp 控制连接.
type ClientUDPConn struct {
	*net.UDPConn

	control net.Conn
	relay   *net.UDPAddr //服务端为我们准备的 udp 地址
}

// AssociateUDP 与服务端建立 udp 关联.
func (cl *Client) AssociateUDP(ctx context.Context) (*ClientUDPConn, error) {
	control, err := cl.dialer().Connect(ctx, cl.Server)
	if err != nil {
		return nil, err
	}
	bound, err := cl.Handshake(ctx, control, CmdUDPAssociate, netLayer.Addr{})
	if err != nil {
		control.Close()
		return nil, err
	}

	relay := bound.ToUDPAddr()
	//服务端回复 0.0.0.0 时, 用控制连接的服务端ip
	if relay.IP == nil || relay.IP.IsUnspecified() {
		if ta, ok := control.RemoteAddr().(*net.TCPAddr); ok {
			relay.IP = ta.IP
		}
	}

	uc, err := net.DialUDP("udp", nil, relay)
	if err != nil {
		control.Close()
		return nil, err
	}
	return &ClientUDPConn{UDPConn: uc, control: control, relay: relay}, nil
}

// WriteMsgTo 把 p 发往 target.
func (cpc *ClientUDPConn) WriteMsgTo(p []byte, target netLayer.Addr) error {
	buf := utils.GetBuf()
	defer utils.PutBuf(buf)

	var hb [3 + maxAddrLen]byte
	buf.Write(AppendUDPHeader(hb[:0], target))
	buf.Write(p)
	_, err := cpc.UDPConn.Write(buf.Bytes())
	return err
}

// ReadMsgFrom 读取一个数据报, 返回负载与其来源.
func (cpc *ClientUDPConn) ReadMsgFrom() ([]byte, netLayer.Addr, error) {
	bs := utils.GetPacket()
	defer utils.PutPacket(bs)

	for {
		n, err := cpc.UDPConn.Read(bs)
		if err != nil {
			return nil, netLayer.Addr{}, err
		}
		h, payload, err := ParseUDPHeader(bs[:n])
		if err != nil {
			continue
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, h.Addr, nil
	}
}

func (cpc *ClientUDPConn) Close() error {
	cpc.control.Close()
	return cpc.UDPConn.Close()
}
