//go:build !unix

package process

import "syscall"

func sysProcAttr(string) (*syscall.SysProcAttr, error) {
	return nil, nil
}
