package netLayer

import (
	"context"
	"io"
	"reflect"
	"sync"

	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

// TryCopy 循环 从 readConn 读取数据并写入 writeConn, 直到错误发生。
// io.Copy 内部在两端都是基本连接时会自动使用 splice/sendfile.
func TryCopy(writeConn io.Writer, readConn io.Reader) (allnum int64, err error) {
	if ce := utils.CanLogDebug("TryCopy"); ce != nil {
		ce.Write(
			zap.String("from", reflect.TypeOf(readConn).String()),
			zap.String("->", reflect.TypeOf(writeConn).String()),
		)
	}

	if _, ok := readConn.(io.WriterTo); ok {
		return io.Copy(writeConn, readConn)
	}
	if _, ok := writeConn.(io.ReaderFrom); ok {
		return io.Copy(writeConn, readConn)
	}

	bs := utils.GetPacket()
	defer utils.PutPacket(bs)
	return io.CopyBuffer(writeConn, readConn, bs)
}

type closeWriter interface {
	CloseWrite() error
}

// RelayResult 是一次双向转发的统计.
type RelayResult struct {
	Up, Down int64 // Up 为 本地->远程
	UpErr    error
	DownErr  error
}

// Relay 在 wlc(本地/客户端) 与 wrc(远程/目标) 之间双向转发, 直到两个方向都结束.
// 一个方向结束时会尽量半关闭对端的写, 双方都结束后关闭两个连接.
// ctx 被取消时(例如宽限期结束)会立即关闭两个连接以中断转发.
func Relay(ctx context.Context, realTargetAddr Addr, wlc, wrc io.ReadWriteCloser) (res RelayResult) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			wlc.Close()
			wrc.Close()
		})
	}

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res.Up, res.UpErr = TryCopy(wrc, wlc)
		if cw, ok := wrc.(closeWriter); ok {
			cw.CloseWrite()
		} else {
			closeBoth()
		}
	}()

	res.Down, res.DownErr = TryCopy(wlc, wrc)
	if cw, ok := wlc.(closeWriter); ok {
		cw.CloseWrite()
	} else {
		closeBoth()
	}
	wg.Wait()
	closeBoth()

	if ce := utils.CanLogDebug("转发结束"); ce != nil {
		ce.Write(
			zap.String("target", realTargetAddr.String()),
			zap.Int64("up", res.Up),
			zap.Int64("down", res.Down),
			zap.NamedError("upErr", res.UpErr),
			zap.NamedError("downErr", res.DownErr),
		)
	}
	return
}
