//go:build !linux

package netLayer

import (
	"github.com/e1732a364fed/frontdoor/utils"
)

func SetSockOpt(fd int, sockopt *Sockopt) {
	if sockopt == nil {
		return
	}
	if ce := utils.CanLogDebug("sockopt is only supported on linux, ignored"); ce != nil {
		ce.Write()
	}
}
