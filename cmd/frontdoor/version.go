/*
Package main 读取配置文件, 然后运行 frontdoor: 一个端口上同时提供 socks5, http(s) 代理与 tls 的前门.

命令行参数请使用 --help / -h 查看详情.

命令行参数会覆盖配置文件中 app 的对应项.
*/
package main

import (
	"fmt"
	"io"
	"runtime"
)

const (
	desc      = "A multi-protocol proxy front door: socks5, http CONNECT, h2 and tls on one port\n"
	delimiter = "===============================\n"
)

var Version string = "[version_undefined]" //版本号可由 -ldflags "-X 'main.Version=v1.x.x'" 指定

func versionStr() string {
	return fmt.Sprintf("frontdoor %s, %s %s %s\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printVersion_simple(w io.StringWriter) {
	w.WriteString(versionStr())
}

func printVersion(w io.StringWriter) {
	w.WriteString(delimiter)
	printVersion_simple(w)
	w.WriteString(delimiter)
	w.WriteString(desc)
	w.WriteString(delimiter)
}
