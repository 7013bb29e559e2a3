package utils

import (
	"flag"
	"os"
	"path/filepath"
)

func FileExist(path string) bool {
	_, err := os.Lstat(path)
	return !os.IsNotExist(err)
}

// GetFilePath 按以下顺序查找文件, 找不到返回空字符串:
//  0. 绝对路径直接返回
//  1. 工作目录
//  2. 可执行文件所在目录
func GetFilePath(fileName string) string {
	if fileName == "" {
		return ""
	}
	if filepath.IsAbs(fileName) {
		if FileExist(fileName) {
			return fileName
		}
		return ""
	}

	if workingDir, err := os.Getwd(); err == nil {
		p := filepath.Join(workingDir, fileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if execFile, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(execFile), fileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// IsFlagGiven 判断命令行是否显式给出了 name 参数. 用于让命令行覆盖配置文件.
func IsFlagGiven(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
