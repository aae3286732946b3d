//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyManualSync SIGHUP 触发一次手动同步
func notifyManualSync(c chan<- os.Signal) {
	signal.Notify(c, syscall.SIGHUP)
}
