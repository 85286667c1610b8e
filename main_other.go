//go:build !linux

package main

import (
	"os"
	"runtime"

	"golang.design/x/hotkey/mainthread"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	// Global hotkeys need the OS main thread on macOS.
	mainthread.Init(func() { os.Exit(run(os.Args[1:], os.Stderr)) })
}
