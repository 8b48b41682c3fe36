package jobs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRepoRefFullName(t *testing.T) {
	r := RepoRef{Org: "acme", Repo: "foo"}
	require.Equal(t, "acme/foo", r.FullName())
}

func TestSafeSegmentProperty(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"path traversal", "../../etc/passwd"},
		{"null byte", "foo\x00bar"},
		{"unicode slash lookalike", "foo∕bar"},
		{"normal", "acme-org.2"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := safeSegment(c.input)
			for _, ch := range got {
				if ch != '_' && !((ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')) {
					t.Fatalf("safeSegment(%q) produced disallowed char %q in %q", c.input, ch, got)
				}
			}
			require.NotContains(t, got, "/")
			require.NotContains(t, got, "..")
		})
	}
}

func TestParseRepoRef(t *testing.T) {
	r, err := ParseRepoRef("acme/foo")
	require.NoError(t, err)
	require.Equal(t, RepoRef{Org: "acme", Repo: "foo"}, r)

	_, err = ParseRepoRef("no-slash")
	require.Error(t, err)

	_, err = ParseRepoRef("/foo")
	require.Error(t, err)

	_, err = ParseRepoRef("acme/")
	require.Error(t, err)
}

func TestRestoredFileSafeName(t *testing.T) {
	f := RestoredFile{Commit: "b1", ParentSHA: "a1", OriginalPath: "secrets/prod.env"}
	require.Equal(t, "restored_b1_a1_secrets_prod.env", f.SafeName())
}

func TestDanglingBlobSafeName(t *testing.T) {
	b := DanglingBlob{SHA: "deadbeef"}
	require.Equal(t, "deadbeef.blob", b.SafeName())
}
