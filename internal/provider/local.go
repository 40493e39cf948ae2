package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/jelmore-io/jelmore/internal/errors"
	"github.com/jelmore-io/jelmore/internal/logging"
	"github.com/jelmore-io/jelmore/internal/session"
)

// Local runs agent sessions as subprocesses under a pty. Interactive
// agent binaries detect non-tty stdio and change behavior, so a pty is
// required rather than plain pipes.
type Local struct {
	providerType Type
	binary       string
	args         []string
	grace        time.Duration
	logger       *logging.Logger

	mu       sync.Mutex
	sessions map[string]*localSession
}

type localSession struct {
	handle string
	cmd    *exec.Cmd
	ptmx   ptyFile

	mu     sync.Mutex
	status session.Status
	done   chan struct{}
}

// ptyFile is the subset of *os.File the provider uses, extracted so tests
// can substitute an in-memory pipe.
type ptyFile interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// NewLocal creates a local subprocess provider running the given binary.
func NewLocal(providerType Type, binary string, args []string, grace time.Duration, logger *logging.Logger) *Local {
	return &Local{
		providerType: providerType,
		binary:       binary,
		args:         args,
		grace:        grace,
		logger:       logger.WithProvider(string(providerType)),
		sessions:     make(map[string]*localSession),
	}
}

// Type returns the provider's type identifier.
func (l *Local) Type() Type {
	return l.providerType
}

// Initialize verifies the agent binary is on PATH.
func (l *Local) Initialize(_ context.Context) error {
	if _, err := exec.LookPath(l.binary); err != nil {
		return errors.NewProviderError("agent binary not found", err).WithProvider(string(l.providerType))
	}
	return nil
}

// CreateSession spawns the agent subprocess and attaches the output pump.
// The session is ACTIVE as soon as the process has started.
func (l *Local) CreateSession(_ context.Context, req CreateRequest) (CreateResult, error) {
	// the process outlives the create request, so no CommandContext here
	args := append(append([]string{}, l.args...), req.Query)
	cmd := exec.Command(l.binary, args...)
	cmd.Dir = req.WorkDir
	if len(req.Env) > 0 {
		cmd.Env = req.Env
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return CreateResult{}, errors.NewProviderError("spawn failed", err).
			WithProvider(string(l.providerType)).
			WithRetryable(true)
	}

	ls := &localSession{
		handle: uuid.New().String(),
		cmd:    cmd,
		ptmx:   ptmx,
		status: session.StatusActive,
		done:   make(chan struct{}),
	}

	l.mu.Lock()
	l.sessions[ls.handle] = ls
	l.mu.Unlock()

	go l.pump(ls, req)

	l.logger.Info("session spawned",
		"session_id", req.SessionID,
		"handle", ls.handle,
		"pid", cmd.Process.Pid)

	return CreateResult{Handle: ls.handle, Status: session.StatusActive}, nil
}

// pump reads agent output line by line, forwards it to the callbacks, and
// watches for status and working-directory signals in the stream.
func (l *Local) pump(ls *localSession, req CreateRequest) {
	defer close(ls.done)

	scanner := bufio.NewScanner(ls.ptmx)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if req.OnOutput != nil {
			req.OnOutput("stdout", line)
		}

		sig := parseAgentLine(line)
		if sig.workDir != "" && req.OnWorkDirChange != nil {
			req.OnWorkDirChange(sig.workDir)
		}
		if sig.status != "" {
			ls.setStatus(sig.status)
			if req.OnStateChange != nil {
				req.OnStateChange(sig.status, sig.detail)
			}
		}
	}

	// pty read returns an error when the process exits; the exit code
	// decides whether this was a clean finish or a failure.
	err := ls.cmd.Wait()

	final, detail, notify := exitStatus(err, ls.terminated())
	ls.setStatus(final)
	if notify && req.OnStateChange != nil {
		req.OnStateChange(final, detail)
	}

	l.mu.Lock()
	delete(l.sessions, ls.handle)
	l.mu.Unlock()

	l.logger.Debug("session process exited", "session_id", req.SessionID, "handle", ls.handle, "status", final)
}

// exitStatus decides the session status when the subprocess exits. A
// terminate-driven exit notifies nobody (the orchestrator initiated it);
// a nonzero exit is a failure; a clean exit without an explicit result
// line means the agent finished its turn.
func exitStatus(waitErr error, terminated bool) (status session.Status, detail map[string]any, notify bool) {
	if terminated {
		return session.StatusTerminated, nil, false
	}
	if waitErr != nil {
		return session.StatusFailed, map[string]any{"error": waitErr.Error()}, true
	}
	return session.StatusIdle, map[string]any{"reason": "process exited"}, true
}

// SendInput writes text to the agent's tty. Returns false if the handle
// is gone or the write fails.
func (l *Local) SendInput(_ context.Context, handle, text string) bool {
	l.mu.Lock()
	ls, ok := l.sessions[handle]
	l.mu.Unlock()
	if !ok {
		return false
	}

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := ls.ptmx.Write([]byte(text)); err != nil {
		l.logger.Warn("input write failed", "handle", handle, "error", err)
		return false
	}

	ls.setStatus(session.StatusActive)
	return true
}

// Terminate signals the subprocess to exit, escalating to SIGKILL after
// the grace period. Terminating an unknown handle returns false.
func (l *Local) Terminate(_ context.Context, handle string) bool {
	l.mu.Lock()
	ls, ok := l.sessions[handle]
	l.mu.Unlock()
	if !ok {
		return false
	}

	ls.setStatus(session.StatusTerminated)

	if ls.cmd.Process != nil {
		_ = ls.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-ls.done:
	case <-time.After(l.grace):
		l.logger.Warn("grace period expired, killing process", "handle", handle)
		if ls.cmd.Process != nil {
			_ = ls.cmd.Process.Kill()
		}
		<-ls.done
	}

	_ = ls.ptmx.Close()
	return true
}

// GetStatus returns the backend's view of the session status.
func (l *Local) GetStatus(handle string) (session.Status, bool) {
	l.mu.Lock()
	ls, ok := l.sessions[handle]
	l.mu.Unlock()
	if !ok {
		return "", false
	}
	return ls.getStatus(), true
}

// HealthCheck reports whether the agent binary is runnable.
func (l *Local) HealthCheck(_ context.Context) Health {
	if _, err := exec.LookPath(l.binary); err != nil {
		return Health{Available: false, Detail: err.Error()}
	}
	return Health{Available: true}
}

// Cleanup terminates every live session.
func (l *Local) Cleanup(ctx context.Context) error {
	l.mu.Lock()
	handles := make([]string, 0, len(l.sessions))
	for h := range l.sessions {
		handles = append(handles, h)
	}
	l.mu.Unlock()

	for _, h := range handles {
		l.Terminate(ctx, h)
	}
	return nil
}

func (ls *localSession) setStatus(s session.Status) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.status.IsTerminal() {
		return
	}
	ls.status = s
}

func (ls *localSession) getStatus() session.Status {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.status
}

func (ls *localSession) terminated() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.status == session.StatusTerminated
}

// agentSignal is what parseAgentLine extracts from one line of output.
type agentSignal struct {
	status  session.Status
	workDir string
	detail  map[string]any
}

// parseAgentLine inspects one line of agent stream output for lifecycle
// signals. The agent emits JSON lines; "result" marks the end of a turn
// (idle), tool_use of cd changes the working directory, and a non-JSON
// line ending in "?" is treated as a question to the user.
func parseAgentLine(line string) agentSignal {
	var sig agentSignal

	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		if strings.HasSuffix(trimmed, "?") {
			sig.status = session.StatusWaitingInput
		}
		return sig
	}

	var msg map[string]any
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return sig
	}

	switch msg["type"] {
	case "result":
		sig.status = session.StatusIdle
		sig.detail = map[string]any{"subtype": msg["subtype"]}
	case "assistant":
		if dir := extractChangedDir(msg); dir != "" {
			sig.workDir = dir
		}
		if awaitingInput(msg) {
			sig.status = session.StatusWaitingInput
		}
	}

	return sig
}

// extractChangedDir walks an assistant message for a Bash tool invocation
// whose command is a cd, and returns the target directory.
func extractChangedDir(msg map[string]any) string {
	for _, block := range contentBlocks(msg) {
		if block["type"] != "tool_use" {
			continue
		}
		input, _ := block["input"].(map[string]any)
		cmd, _ := input["command"].(string)
		rest, ok := strings.CutPrefix(strings.TrimSpace(cmd), "cd ")
		if !ok {
			continue
		}
		// only the leading cd of a compound command matters
		if i := strings.IndexAny(rest, "&;|"); i >= 0 {
			rest = rest[:i]
		}
		if dir := strings.TrimSpace(rest); dir != "" {
			return dir
		}
	}
	return ""
}

// awaitingInput reports whether an assistant message ends with a question
// to the user.
func awaitingInput(msg map[string]any) bool {
	blocks := contentBlocks(msg)
	if len(blocks) == 0 {
		return false
	}
	last := blocks[len(blocks)-1]
	if last["type"] != "text" {
		return false
	}
	text, _ := last["text"].(string)
	return strings.HasSuffix(strings.TrimSpace(text), "?")
}

func contentBlocks(msg map[string]any) []map[string]any {
	inner, _ := msg["message"].(map[string]any)
	content, _ := inner["content"].([]any)
	out := make([]map[string]any, 0, len(content))
	for _, c := range content {
		if m, ok := c.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
