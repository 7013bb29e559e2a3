package netLayer

import (
	"io"
	"net"
)

// PeekConn 可以先"偷看"连接开头的若干字节而不消费它们; 之后的 Read 会先返回偷看过的字节,
// 再从底层连接读取. 这样在协议探测之后, 被选中的处理者看到的字节流与客户端发出的完全一致.
type PeekConn struct {
	net.Conn
	buf []byte
	off int //buf[off:] 是尚未被 Read 消费的部分
}

// NewPeekConn 包装 c. 若 c 已经是 *PeekConn 则直接返回它, 以免丢失已缓冲的字节.
func NewPeekConn(c net.Conn) *PeekConn {
	if pc, ok := c.(*PeekConn); ok {
		return pc
	}
	return &PeekConn{Conn: c}
}

// Buffered 返回已偷看但未被消费的字节.
func (pc *PeekConn) Buffered() []byte {
	return pc.buf[pc.off:]
}

// Fill 从底层连接再读一次(最多读到总共 max 字节), 返回当前全部未消费的字节.
// 若已缓冲 max 字节, 则不读.
func (pc *PeekConn) Fill(max int) ([]byte, error) {
	if pc.off > 0 {
		n := copy(pc.buf, pc.buf[pc.off:])
		pc.buf = pc.buf[:n]
		pc.off = 0
	}
	if len(pc.buf) >= max {
		return pc.buf, nil
	}
	if cap(pc.buf) < max {
		nb := make([]byte, len(pc.buf), max)
		copy(nb, pc.buf)
		pc.buf = nb
	}
	n, err := pc.Conn.Read(pc.buf[len(pc.buf):max])
	pc.buf = pc.buf[:len(pc.buf)+n]
	return pc.buf, err
}

// Peek 读到至少 n 字节为止, 或者出错. 返回的切片可能短于 n (此时 err 非 nil).
func (pc *PeekConn) Peek(n int) ([]byte, error) {
	for len(pc.buf)-pc.off < n {
		if _, err := pc.Fill(n); err != nil {
			return pc.Buffered(), err
		}
	}
	return pc.buf[pc.off : pc.off+n], nil
}

func (pc *PeekConn) Read(p []byte) (int, error) {
	if pc.off < len(pc.buf) {
		n := copy(p, pc.buf[pc.off:])
		pc.off += n
		if pc.off == len(pc.buf) {
			pc.buf = nil
			pc.off = 0
		}
		return n, nil
	}
	return pc.Conn.Read(p)
}

// WriteTo 让 io.Copy 在缓冲耗尽后仍能走底层连接的快速路径.
func (pc *PeekConn) WriteTo(w io.Writer) (int64, error) {
	var total int64
	if rest := pc.Buffered(); len(rest) > 0 {
		n, err := w.Write(rest)
		total += int64(n)
		pc.off += n
		if err != nil {
			return total, err
		}
		pc.buf = nil
		pc.off = 0
	}
	n, err := io.Copy(w, pc.Conn)
	return total + n, err
}

func (pc *PeekConn) CloseWrite() error {
	if cw, ok := pc.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return pc.Conn.Close()
}

// ReplayConn 在 conn 之前先读 prefix; 用于把 bufio.Reader 中已读入的多余字节还给后续处理者.
func ReplayConn(conn net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return conn
	}
	b := make([]byte, len(prefix))
	copy(b, prefix)
	pc := NewPeekConn(conn)
	if len(pc.Buffered()) > 0 {
		b = append(b, pc.Buffered()...)
	}
	return &PeekConn{Conn: pc.Conn, buf: b}
}
