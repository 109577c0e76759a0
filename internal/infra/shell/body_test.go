package shell

import (
	"context"
	"testing"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/task/tasktest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellBody(t *testing.T) {
	tests := []struct {
		name     string
		action   domain.Action
		want     domain.ResultType
		message  string
		warnings int
	}{
		{
			name:   "Success",
			action: domain.Action{Type: domain.ActionTypeShell, Command: "echo hello"},
			want:   domain.ResultSuccess,
		},
		{
			name:     "StderrIsWarning",
			action:   domain.Action{Type: domain.ActionTypeShell, Command: "echo careful >&2"},
			want:     domain.ResultWarning,
			warnings: 1,
		},
		{
			name:    "NonZeroExitFails",
			action:  domain.Action{Type: domain.ActionTypeShell, Command: "exit 3"},
			want:    domain.ResultFailure,
			message: "command exited with code 3",
		},
		{
			name:   "ArgsBypassShell",
			action: domain.Action{Type: domain.ActionTypeShell, Command: "true", Args: []string{"ignored"}},
			want:   domain.ResultSuccess,
		},
		{
			name:    "Timeout",
			action:  domain.Action{Type: domain.ActionTypeShell, Command: "sleep 5", Timeout: 50 * time.Millisecond},
			want:    domain.ResultFailure,
			message: "command timed out after 50ms",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tasktest.Run(t, NewBody(tt.action))
			assert.Equal(t, tt.want, res.Type)
			if tt.message != "" {
				assert.Equal(t, tt.message, res.Message)
			}
			assert.Len(t, res.Warnings, tt.warnings)
		})
	}
}

func TestShellBodyWorkDir(t *testing.T) {
	dir := t.TempDir()
	res := tasktest.Run(t, NewBody(domain.Action{
		Type:    domain.ActionTypeShell,
		Command: "test \"$(pwd)\" = \"" + dir + "\"",
		WorkDir: dir,
	}))
	assert.Equal(t, domain.ResultSuccess, res.Type)
}

func TestShellBodyStop(t *testing.T) {
	host := tasktest.NewHost("node-a")
	body := NewBody(domain.Action{Type: domain.ActionTypeShell, Command: "sleep 10"})

	done := make(chan *domain.TaskResult, 1)
	tk := tasktest.Start(t, host, body, done)

	require.Eventually(t, tk.Running, time.Second, 5*time.Millisecond)
	assert.True(t, tk.SignalStop(context.Background()))

	select {
	case res := <-done:
		assert.Equal(t, domain.ResultCanceled, res.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("command was not stopped")
	}
}
