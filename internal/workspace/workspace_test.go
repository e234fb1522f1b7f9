package workspace

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uirunner/pkg/logx"
)

func TestArgvExpandsTemplates(t *testing.T) {
	t.Parallel()

	r, err := New(Config{
		Prepare: []string{"git", "checkout", "{{.Branch}}"},
		Commit:  []string{"git", "commit", "-m", "{{.Message}} ({{.Client}})"},
	}, logx.Nop())
	require.NoError(t, err)

	argv, err := r.Argv(ActionPrepare, Params{Branch: "feature/login"})
	require.NoError(t, err)
	assert.Equal(t, []string{"git", "checkout", "feature/login"}, argv)

	argv, err = r.Argv(ActionCommit, Params{Client: "acme", Message: "update mocks"})
	require.NoError(t, err)
	assert.Equal(t, "update mocks (acme)", argv[3])

	_, err = r.Argv(ActionPush, Params{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = r.Argv(ActionPrepare, Params{Branch: "--upload-pack=evil"})
	assert.ErrorIs(t, err, ErrBadParam)
}

func TestNewRejectsBadTemplate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Prepare: []string{"git", "{{.Branch"}}, logx.Nop())
	require.Error(t, err)
}

func TestRunStreamsOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	t.Parallel()

	r, err := New(Config{
		Prepare: []string{"/bin/sh", "-c", "echo preparing {{.Branch}}; echo warn >&2"},
		Timeout: 10 * time.Second,
	}, logx.Nop())
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		lines []string
	)
	err = r.Run(context.Background(), ActionPrepare, Params{Branch: "main"}, func(l string) {
		mu.Lock()
		lines = append(lines, l)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"preparing main", "warn"}, lines)
}

func TestRunReportsFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	t.Parallel()

	r, err := New(Config{Push: []string{"/bin/sh", "-c", "exit 3"}}, logx.Nop())
	require.NoError(t, err)
	require.Error(t, r.Run(context.Background(), ActionPush, Params{}, nil))
}
