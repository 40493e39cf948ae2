package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jelmore-io/jelmore/internal/session"
)

func TestParseAgentLineResult(t *testing.T) {
	sig := parseAgentLine(`{"type":"result","subtype":"success","result":"done"}`)
	assert.Equal(t, session.StatusIdle, sig.status)
}

func TestParseAgentLinePlainQuestion(t *testing.T) {
	sig := parseAgentLine("Which file should I edit?")
	assert.Equal(t, session.StatusWaitingInput, sig.status)

	sig = parseAgentLine("Editing the file now.")
	assert.Empty(t, sig.status)
}

func TestParseAgentLineAssistantQuestion(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Should I also update the README?"}]}}`
	sig := parseAgentLine(line)
	assert.Equal(t, session.StatusWaitingInput, sig.status)
}

func TestParseAgentLineAssistantStatement(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Updating the parser."}]}}`
	sig := parseAgentLine(line)
	assert.Empty(t, sig.status)
}

func TestParseAgentLineCdTracking(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"plain cd", "cd /srv/app", "/srv/app"},
		{"cd with compound command", "cd /srv/app && ls", "/srv/app"},
		{"cd with semicolon", "cd /srv/app; make", "/srv/app"},
		{"not a cd", "ls -la", ""},
		{"cd with no target", "cd ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"` + tt.command + `"}}]}}`
			sig := parseAgentLine(line)
			assert.Equal(t, tt.want, sig.workDir)
		})
	}
}

func TestParseAgentLineMalformedJSON(t *testing.T) {
	sig := parseAgentLine(`{"type":"result"`)
	assert.Empty(t, sig.status)
	assert.Empty(t, sig.workDir)
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name       string
		waitErr    error
		terminated bool
		want       session.Status
		notify     bool
	}{
		{"clean exit reports idle", nil, false, session.StatusIdle, true},
		{"nonzero exit reports failed", assert.AnError, false, session.StatusFailed, true},
		{"terminate-driven exit is silent", nil, true, session.StatusTerminated, false},
		{"kill after terminate is silent", assert.AnError, true, session.StatusTerminated, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, detail, notify := exitStatus(tt.waitErr, tt.terminated)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.notify, notify)
			if tt.want == session.StatusFailed {
				assert.Contains(t, detail, "error")
			}
		})
	}
}

func TestLocalSessionStatusTerminalIsSticky(t *testing.T) {
	ls := &localSession{status: session.StatusActive}

	ls.setStatus(session.StatusTerminated)
	ls.setStatus(session.StatusActive)

	assert.Equal(t, session.StatusTerminated, ls.getStatus())
}
