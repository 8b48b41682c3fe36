package gitwalk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

func setupRepoWithDeletedFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	secretPath := filepath.Join(dir, "secret.txt")
	require.NoError(t, os.WriteFile(secretPath, []byte("super-secret-value"), 0o644))
	_, err = wt.Add("secret.txt")
	require.NoError(t, err)
	sig := &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()}
	_, err = wt.Commit("add secret", &git.CommitOptions{Author: sig})
	require.NoError(t, err)

	require.NoError(t, os.Remove(secretPath))
	_, err = wt.Add("secret.txt")
	require.NoError(t, err)
	_, err = wt.Commit("remove secret", &git.CommitOptions{Author: sig})
	require.NoError(t, err)

	return dir
}

func TestRestoreDeletedFilesRecoversContent(t *testing.T) {
	repoPath := setupRepoWithDeletedFile(t)
	w := New(10*time.Second, 0)

	restored, err := w.RestoreDeletedFiles(context.Background(), repoPath)
	require.NoError(t, err)
	require.Len(t, restored, 1)
	require.Equal(t, "secret.txt", restored[0].OriginalPath)
	require.Equal(t, "super-secret-value", string(restored[0].Bytes))
}

func TestParseNameStatusLineDeleted(t *testing.T) {
	status, path, ok := parseNameStatusLine("D\tsecrets/aws.key")
	require.True(t, ok)
	require.Equal(t, "D", status)
	require.Equal(t, "secrets/aws.key", path)
}

func TestParseNameStatusLineRename(t *testing.T) {
	status, path, ok := parseNameStatusLine("R100\told/path.txt\tnew/path.txt")
	require.True(t, ok)
	require.Equal(t, "R100", status)
	require.Equal(t, "old/path.txt", path)
}

func TestParseNameStatusLineMalformed(t *testing.T) {
	_, _, ok := parseNameStatusLine("not a diff line")
	require.False(t, ok)
}

func TestSplitNonEmptyLines(t *testing.T) {
	lines := splitNonEmptyLines("a\nb\n\nc\n")
	require.Equal(t, []string{"a", "b", "c"}, lines)
}

func TestSplitNonEmptyLinesEmpty(t *testing.T) {
	require.Empty(t, splitNonEmptyLines(""))
	require.Empty(t, splitNonEmptyLines("\n\n"))
}
