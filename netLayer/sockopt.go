package netLayer

import (
	"syscall"
)

// 用于 listen 时配置一些底层参数. SetSockOpt 是平台相关的.
type Sockopt struct {
	ReusePort bool   `toml:"reuse_port" yaml:"reuse_port"`
	Somark    int    `toml:"mark" yaml:"mark"`
	Device    string `toml:"device" yaml:"device"`
}

func (so *Sockopt) control(network, address string, c syscall.RawConn) error {
	if so == nil {
		return nil
	}
	return c.Control(func(fd uintptr) {
		SetSockOpt(int(fd), so)
	})
}
