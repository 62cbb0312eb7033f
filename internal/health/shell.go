package health

import (
	"context"
	"os/exec"
	"time"
)

// commandWaitDelay bounds how long Run waits for output pipes after the
// command has been killed.
const commandWaitDelay = time.Second

// ShellRunner runs health commands through sh -c. On timeout the whole
// process group is killed so that background children cannot hold the
// output pipe open.
type ShellRunner struct{}

func (ShellRunner) Run(ctx context.Context, command string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	killProcessGroup(cmd)
	cmd.WaitDelay = commandWaitDelay
	return cmd.CombinedOutput()
}
