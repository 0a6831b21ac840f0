package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/Iron-Ham/ensemble/internal/errors"
)

// stderrTailLimit bounds how much of a failed runner's stderr is carried
// into the error message.
const stderrTailLimit = 2048

// ProcessRunner invokes an external agent command once per role
// invocation. The invocation is written to the command's stdin as JSON;
// the command writes a Result as JSON to stdout. The invoked role and
// session are also exposed through ENSEMBLE_* environment variables so
// wrapper scripts can route without parsing stdin.
//
// Commands that touch the workspace are expected to gate access through
// a Toolset for the invocation's contract and carry the recorded
// violations back in Result.Violations, where the coordinator turns
// them into context log entries.
type ProcessRunner struct {
	command []string
}

// NewProcessRunner creates a runner that executes the given command and
// arguments for every invocation.
func NewProcessRunner(command []string) (*ProcessRunner, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.NewValidationError("runner command cannot be empty").WithField("command")
	}
	return &ProcessRunner{command: append([]string(nil), command...)}, nil
}

// Invoke runs the command, feeding it the invocation and decoding its
// result. The command's exit status is the invocation's success signal;
// a non-zero exit is a role invocation failure.
func (r *ProcessRunner) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	payload, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invocation: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"ENSEMBLE_SESSION="+inv.Session.ID,
		"ENSEMBLE_ROLE="+inv.Contract.Name,
		"ENSEMBLE_PHASE="+inv.Phase.String(),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > stderrTailLimit {
			detail = detail[len(detail)-stderrTailLimit:]
		}
		if detail != "" {
			return nil, fmt.Errorf("%w: runner %s: %v: %s", errors.ErrRoleInvocation, r.command[0], err, detail)
		}
		return nil, fmt.Errorf("%w: runner %s: %v", errors.ErrRoleInvocation, r.command[0], err)
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("%w: runner %s wrote malformed output: %v", errors.ErrRoleInvocation, r.command[0], err)
	}
	return &res, nil
}
