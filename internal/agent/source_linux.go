package agent

import (
	"github.com/spin-stack/hvagent/internal/lifecycle"
	"github.com/spin-stack/hvagent/internal/usermem"
)

func processReader(pid int) (usermem.Reader, error) {
	if pid < 0 {
		return nil, lifecycle.Invalidf("pid %d", pid)
	}
	return usermem.ProcessReader{PID: pid}, nil
}
