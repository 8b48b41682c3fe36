package hostingcli

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vasillieux/escaped/internal/runner"
)

func TestParseFullNames(t *testing.T) {
	names := parseFullNames("acme/foo\nacme/bar\n\nnotarepo\n")
	require.Equal(t, []string{"acme/foo", "acme/bar"}, names)
}

func TestParseFullNamesEmpty(t *testing.T) {
	require.Empty(t, parseFullNames(""))
	require.Empty(t, parseFullNames("\n\n"))
}

func TestParseRepoViewJSON(t *testing.T) {
	res := runner.Result{ExitCode: 0, Stdout: []byte(`{"diskUsage":512,"pushedAt":"2026-01-02T03:04:05Z","isFork":false}`)}
	meta, ok := parseRepoViewJSON("acme/foo", res, nil)
	require.True(t, ok)
	require.Equal(t, int64(512), meta.DiskUsageKB)
	require.False(t, meta.IsFork)
}

func TestParseRepoViewJSONFailsOpenOnNonZeroExit(t *testing.T) {
	res := runner.Result{ExitCode: 1, Stderr: []byte("rate limited")}
	_, ok := parseRepoViewJSON("acme/foo", res, nil)
	require.False(t, ok)
}

func TestParseRepoViewJSONFailsOpenOnBadJSON(t *testing.T) {
	res := runner.Result{ExitCode: 0, Stdout: []byte("not json")}
	_, ok := parseRepoViewJSON("acme/foo", res, nil)
	require.False(t, ok)
}
