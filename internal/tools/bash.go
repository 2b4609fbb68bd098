package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const bashDefaultTimeout = 2 * time.Minute

func (e *Executor) bash(ctx context.Context, command string) (string, bool) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "Missing command.", true
	}

	runCtx, cancel := context.WithTimeout(ctx, bashDefaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = e.vaultRoot
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := strings.TrimRight(out.String(), "\n")
	if err == nil {
		if output == "" {
			return "(no output)", false
		}
		return output, false
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("Command timed out after %s.\n%s", bashDefaultTimeout, output), true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("Exit code %d.\n%s", exitErr.ExitCode(), output), true
	}
	return err.Error(), true
}
