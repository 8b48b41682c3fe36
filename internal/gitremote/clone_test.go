package gitremote

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	gittransport "github.com/go-git/go-git/v5/plumbing/transport"
)

func TestIsPermanentCloneErrorRepositoryNotFound(t *testing.T) {
	require.True(t, isPermanentCloneError(gittransport.ErrRepositoryNotFound))
}

func TestIsPermanentCloneErrorAuthFailure(t *testing.T) {
	require.True(t, isPermanentCloneError(gittransport.ErrAuthenticationRequired))
	require.True(t, isPermanentCloneError(gittransport.ErrAuthorizationFailed))
}

func TestIsPermanentCloneErrorOtherIsTransient(t *testing.T) {
	require.False(t, isPermanentCloneError(errors.New("connection reset by peer")))
}

func TestIsPermanentCloneErrorNil(t *testing.T) {
	require.False(t, isPermanentCloneError(nil))
}

func TestCloneEnvOnlyIncludesConfiguredProxies(t *testing.T) {
	c := New("/tmp/clones", 0, 3, ProxyConfig{HTTPSProxy: "http://proxy:8080", ProxyCommand: "/usr/local/bin/gitproxy"}, nil)
	env := c.cloneEnv()
	require.Equal(t, []string{
		"https_proxy=http://proxy:8080",
		"GIT_PROXY_COMMAND=/usr/local/bin/gitproxy",
	}, env)
}

func TestCloneEnvEmptyWhenNoProxyConfigured(t *testing.T) {
	c := New("/tmp/clones", 0, 3, ProxyConfig{}, nil)
	require.Empty(t, c.cloneEnv())
}
