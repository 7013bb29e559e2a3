package netLayer

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/e1732a364fed/frontdoor/utils"
)

func SetSockOpt(fd int, sockopt *Sockopt) {
	if sockopt == nil {
		return
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		if ce := utils.CanLogErr("set SO_REUSEADDR failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
	}

	if sockopt.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			if ce := utils.CanLogErr("set SO_REUSEPORT failed"); ce != nil {
				ce.Write(zap.Error(err))
			}
		}
	}

	if sockopt.Somark != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, sockopt.Somark); err != nil {
			if ce := utils.CanLogErr("setSomark failed"); ce != nil {
				ce.Write(zap.Error(err))
			}
		}
	}

	if sockopt.Device != "" {
		if err := unix.BindToDevice(fd, sockopt.Device); err != nil {
			if ce := utils.CanLogErr("BindToDevice failed"); ce != nil {
				ce.Write(zap.Error(err))
			}
		}
	}
}
