package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/pkg/profile"
	"go.uber.org/zap"

	"github.com/e1732a364fed/frontdoor/config"
	"github.com/e1732a364fed/frontdoor/graceful"
	"github.com/e1732a364fed/frontdoor/machine"
	"github.com/e1732a364fed/frontdoor/tlsLayer"
	"github.com/e1732a364fed/frontdoor/utils"
)

var (
	configFileName string
	logFileName    string
	startMProf     bool
	cmdPrintVer    bool
	cmdGenCert     bool
)

const (
	defaultLogFile = "frontdoor_log"
	defaultConfFn  = "frontdoor.toml"

	certFn = "cert.pem"
	keyFn  = "cert.key"
)

func init() {
	flag.StringVar(&configFileName, "c", defaultConfFn, "config file name, .toml or .yaml")
	flag.BoolVar(&startMProf, "mp", false, "memory pprof")
	flag.BoolVar(&cmdPrintVer, "v", false, "print the version string then exit")
	flag.BoolVar(&cmdGenCert, "gc", false, "generate a random self-signed cert.pem and cert.key in the working dir, then exit")

	flag.IntVar(&utils.LogLevel, "ll", utils.DefaultLL, "log level,0=debug, 1=info, 2=warning, 3=error, 4=fatal")
	flag.StringVar(&logFileName, "lf", defaultLogFile, "output file for log; If empty, no log file will be used.")
}

// runExitCommands 运行那些执行后就退出的命令.
func runExitCommands() (atLeastOneCalled bool) {
	if cmdPrintVer {
		atLeastOneCalled = true
		printVersion_simple(os.Stdout)
	}
	if cmdGenCert {
		atLeastOneCalled = true
		if utils.FileExist(certFn) || utils.FileExist(keyFn) {
			fmt.Printf("%s 或 %s 已存在, 不会覆盖\n", certFn, keyFn)
			return
		}
		if err := tlsLayer.GenerateRandomCertKeyFiles(certFn, keyFn); err != nil {
			fmt.Println("生成失败,", err)
			return
		}
		fmt.Printf("生成成功！请查看目录中的 %s 和 %s\n", certFn, keyFn)
	}
	return
}

func main() {
	os.Exit(mainFunc())
}

func mainFunc() (result int) {
	defer func() {
		if r := recover(); r != nil {
			if ce := utils.CanLogErr("Captured panic!"); ce != nil {
				stackStr := string(debug.Stack())
				ce.Write(
					zap.Any("err:", r),
					zap.String("stacktrace", stackStr),
				)
				log.Println(stackStr) //zap 的json会转译换行符, 所以stack另外打印一遍
			} else {
				log.Println("panic captured!", r, "\n", string(debug.Stack()))
			}
			result = -3
		}
	}()

	flag.Parse()

	if runExitCommands() {
		return
	}
	printVersion(os.Stdout)

	if startMProf {
		//若不使用 NoShutdownHook, 则 我们ctrl+c退出时不会产生 pprof文件
		p := profile.Start(profile.MemProfile, profile.MemProfileRate(1), profile.NoShutdownHook)
		defer p.Stop()
	}

	conf, err := config.Load(configFileName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !utils.IsFlagGiven("c") {
			log.Printf("No -c provided and default %q doesn't exist", defaultConfFn)
		} else {
			log.Println("can not load config:", err)
		}
		return -1
	}

	if appConf := conf.App; appConf != nil {
		if appConf.LogLevel != nil && !utils.IsFlagGiven("ll") {
			utils.LogLevel = *appConf.LogLevel
		}
		if appConf.LogFile != "" && !utils.IsFlagGiven("lf") {
			logFileName = appConf.LogFile
		}
	}
	utils.InitLog(logFileName)
	defer utils.ZapLogger.Sync()

	if wdir, err := os.Getwd(); err == nil {
		if ce := utils.CanLogInfo("Working at"); ce != nil {
			ce.Write(zap.String("dir", wdir), zap.String("config", configFileName))
		}
	}

	m, err := machine.New(conf)
	if err != nil {
		if ce := utils.CanLogErr("can not create machine"); ce != nil {
			ce.Write(zap.Error(err))
		} else {
			log.Println("can not create machine", err)
		}
		return -1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		if ce := utils.CanLogErr("can not start"); ce != nil {
			ce.Write(zap.Error(err))
		} else {
			log.Println("can not start", err)
		}
		m.Close(0)
		return -1
	}

	<-ctx.Done()
	stop() //再按一次 ctrl+c 直接退出

	if ce := utils.CanLogInfo("Program got close signal"); ce != nil {
		ce.Write(zap.Duration("shutdown_timeout", m.ShutdownTimeout()))
	}

	if ce := utils.CanLogDebug("state before exit"); ce != nil {
		m.PrintAllState(os.Stdout)
		ce.Write()
	}

	if err := m.Close(m.ShutdownTimeout()); err != nil {
		if errors.Is(err, graceful.ErrShutdownTimeout) {
			if ce := utils.CanLogWarn("connections were cut at shutdown timeout"); ce != nil {
				ce.Write(zap.Int32("active", m.ActiveConnectionCount.Load()))
			}
			return 1
		}
		utils.LogErrByKind("close machine", err)
		return -1
	}

	if ce := utils.CanLogInfo("Program exited"); ce != nil {
		ce.Write()
	}
	return
}
