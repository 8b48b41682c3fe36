package errors

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestExitCodeForMapsKnownCategories(t *testing.T) {
	a := NewCLIErrorAdapter(false, discardLogger())

	require.Equal(t, 0, a.ExitCodeFor(nil))
	require.Equal(t, 2, a.ExitCodeFor(BadInput("bad org/repo line")))
	require.Equal(t, 7, a.ExitCodeFor(New(CategoryConfig, SeverityFatal, "missing output.base_dir")))
	require.Equal(t, 8, a.ExitCodeFor(ExternalTool("trufflehog exited nonzero", nil)))
	require.Equal(t, 10, a.ExitCodeFor(FatalJob(nil)))
	require.Equal(t, 1, a.ExitCodeFor(New(Category("unmapped"), SeverityError, "x")))
}

func TestExitCodeForUnclassifiedErrorIsOne(t *testing.T) {
	a := NewCLIErrorAdapter(false, discardLogger())
	require.Equal(t, 1, a.ExitCodeFor(io.EOF))
}

func TestFormatErrorTerseVsVerbose(t *testing.T) {
	err := Wrap(io.EOF, CategoryTransientRemote, SeverityError, "clone failed")

	terse := NewCLIErrorAdapter(false, discardLogger())
	require.Equal(t, "transient_remote: clone failed", terse.FormatError(err))

	verbose := NewCLIErrorAdapter(true, discardLogger())
	require.Contains(t, verbose.FormatError(err), "EOF")
}
