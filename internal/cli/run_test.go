package cli_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuulbelt/coordcore/internal/cli"
)

func TestRun_PrintsUsageWithNoArgsOrHelp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{name: "no args", args: []string{"tbelt"}},
		{name: "long flag", args: []string{"tbelt", "--help"}},
		{name: "short flag", args: []string{"tbelt", "-h"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer

			env := []string{"XDG_STATE_HOME=" + t.TempDir()}
			exitCode := cli.Run(nil, &stdout, &stderr, tc.args, env, nil)

			require.Equal(t, 0, exitCode)
			require.Empty(t, stderr.String())
			require.Contains(t, stdout.String(), "tbelt - filesystem coordination primitives")
			require.Contains(t, stdout.String(), "lock")
			require.Contains(t, stdout.String(), "port")
			require.Contains(t, stdout.String(), "snapshot")
		})
	}
}

func TestRun_UnknownCommandReturnsInvalidArgs(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	env := []string{"XDG_STATE_HOME=" + t.TempDir()}
	exitCode := cli.Run(nil, &stdout, &stderr, []string{"tbelt", "bogus"}, env, nil)

	require.Equal(t, 2, exitCode)
	require.Contains(t, stderr.String(), "unknown command")
}

func TestRun_LockTryAcquireAndStatus(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	env := []string{"XDG_STATE_HOME=" + stateDir}
	lockPath := filepath.Join(t.TempDir(), "build.lock")

	var stdout, stderr bytes.Buffer

	exitCode := cli.Run(nil, &stdout, &stderr, []string{"tbelt", "lock", "try", lockPath}, env, nil)
	require.Equal(t, 0, exitCode, stderr.String())

	stdout.Reset()
	stderr.Reset()

	exitCode = cli.Run(nil, &stdout, &stderr, []string{"tbelt", "lock", "status", lockPath}, env, nil)
	require.Equal(t, 0, exitCode, stderr.String())
	require.True(t, strings.Contains(stdout.String(), "held"))
}

func TestRun_PortGetPrintsJSON(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	env := []string{"XDG_STATE_HOME=" + stateDir}

	var stdout, stderr bytes.Buffer

	exitCode := cli.Run(nil, &stdout, &stderr, []string{"tbelt", "--json", "port", "get"}, env, nil)
	require.Equal(t, 0, exitCode, stderr.String())
	require.Contains(t, stdout.String(), `"port"`)
}

func TestRun_SnapshotCreateAndCheck(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	env := []string{"XDG_STATE_HOME=" + stateDir}

	createStdin := strings.NewReader(`{"a":1}`)

	var stdout, stderr bytes.Buffer

	exitCode := runWithStdin(createStdin, &stdout, &stderr, []string{"tbelt", "snapshot", "create", "cfg"}, env)
	require.Equal(t, 0, exitCode, stderr.String())

	stdout.Reset()
	stderr.Reset()

	checkStdin := strings.NewReader(`{"a":1}`)
	exitCode = runWithStdin(checkStdin, &stdout, &stderr, []string{"tbelt", "snapshot", "check", "cfg"}, env)
	require.Equal(t, 0, exitCode, stderr.String())
	require.Contains(t, stdout.String(), "match: cfg")

	stdout.Reset()
	stderr.Reset()

	mismatchStdin := strings.NewReader(`{"a":2}`)
	exitCode = runWithStdin(mismatchStdin, &stdout, &stderr, []string{"tbelt", "snapshot", "check", "cfg"}, env)
	require.Equal(t, 1, exitCode)
	require.Contains(t, stdout.String(), "mismatch: cfg")
}

func runWithStdin(stdin *strings.Reader, stdout, stderr *bytes.Buffer, args, env []string) int {
	oldStdin := os.Stdin

	r, w, _ := os.Pipe()

	go func() {
		_, _ = w.Write([]byte(readAll(stdin)))
		w.Close()
	}()

	os.Stdin = r
	defer func() { os.Stdin = oldStdin }()

	return cli.Run(nil, stdout, stderr, args, env, nil)
}

func readAll(r *strings.Reader) string {
	buf := make([]byte, r.Len())
	_, _ = r.Read(buf)

	return string(buf)
}
