//go:build windows

package main

import "os"

// Windows 没有 SIGHUP，手动同步只能通过 sync 子命令
func notifyManualSync(chan<- os.Signal) {}
