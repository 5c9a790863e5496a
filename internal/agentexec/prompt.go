package agentexec

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const promptPreamble = `You are operating inside an isolated sandbox with working directory /workspace.
You have access to the following tool categories: %s.
Guidelines:
- Make the smallest change that satisfies the task.
- Run the project's existing verification commands before finishing, if any.
- If you are blocked on a decision only the user can make, ask a single, concise question.
`

// composePrompt wraps the client prompt in the fixed preamble declaring
// working directory, available tools, and execution guidelines, then appends
// the prompt and optional task description.
func composePrompt(prompt, description, workspace string, allowedTools []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, promptPreamble, strings.Join(allowedTools, ", "))
	b.WriteString("\n")
	b.WriteString(prompt)
	if description != "" {
		b.WriteString("\n\nTask description:\n")
		b.WriteString(description)
	}
	return b.String()
}

// jobLog writes timestamped lines for a single agent invocation to a per-task
// on-disk log file at <logDir>/<sandbox-short-id>-<taskId>.log.
type jobLog struct {
	f *os.File
}

func openJobLog(logDir, sandboxID, taskID string) (string, *jobLog, func(), error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", nil, func() {}, fmt.Errorf("failed to create log directory: %w", err)
	}
	short := sandboxID
	if len(short) > 8 {
		short = short[:8]
	}
	path := filepath.Join(logDir, fmt.Sprintf("%s-%s.log", short, taskID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", nil, func() {}, fmt.Errorf("failed to open job log: %w", err)
	}
	jl := &jobLog{f: f}
	return path, jl, func() { _ = f.Close() }, nil
}

func (j *jobLog) writeLine(stream, line string) {
	fmt.Fprintf(j.f, "[%s] %s: %s\n", time.Now().UTC().Format(time.RFC3339), stream, line)
}
