//go:build windows

package listener

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error { return nil }
