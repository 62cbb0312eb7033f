//go:build !unix

package health

import "os/exec"

func killProcessGroup(*exec.Cmd) {}
