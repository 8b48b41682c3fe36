// Package logfields provides canonical log field names and slog.Attr
// constructors for structured logging across the pipeline, so call sites
// never hand-roll field names.
package logfields

import "log/slog"

const (
	KeyOrg         = "org"
	KeyRepo        = "repo"
	KeyFullName    = "full_name"
	KeyJobID       = "job_id"
	KeyJobType     = "job_type"
	KeyQueue       = "queue"
	KeyStage       = "stage"
	KeySourceType  = "source_type"
	KeyAttempt     = "attempt"
	KeyMaxAttempts = "max_attempts"
	KeyDurationMS  = "duration_ms"
	KeyActive      = "active"
	KeyMax         = "max"
	KeyPath        = "path"
	KeySHA         = "sha"
	KeyWorker      = "worker"
	KeyError       = "error"
	KeyURL         = "url"
	KeyName        = "name"
)

func Org(v string) slog.Attr         { return slog.String(KeyOrg, v) }
func Repo(v string) slog.Attr        { return slog.String(KeyRepo, v) }
func FullName(v string) slog.Attr    { return slog.String(KeyFullName, v) }
func JobID(v string) slog.Attr       { return slog.String(KeyJobID, v) }
func JobType(v string) slog.Attr     { return slog.String(KeyJobType, v) }
func Queue(v string) slog.Attr       { return slog.String(KeyQueue, v) }
func Stage(v string) slog.Attr       { return slog.String(KeyStage, v) }
func SourceType(v string) slog.Attr  { return slog.String(KeySourceType, v) }
func Attempt(v int) slog.Attr        { return slog.Int(KeyAttempt, v) }
func MaxAttempts(v int) slog.Attr    { return slog.Int(KeyMaxAttempts, v) }
func DurationMS(v float64) slog.Attr { return slog.Float64(KeyDurationMS, v) }
func Active(v int64) slog.Attr       { return slog.Int64(KeyActive, v) }
func Max(v int64) slog.Attr          { return slog.Int64(KeyMax, v) }
func Path(v string) slog.Attr        { return slog.String(KeyPath, v) }
func SHA(v string) slog.Attr         { return slog.String(KeySHA, v) }
func Worker(v string) slog.Attr      { return slog.String(KeyWorker, v) }
func URL(v string) slog.Attr         { return slog.String(KeyURL, v) }
func Name(v string) slog.Attr        { return slog.String(KeyName, v) }

// Error returns a slog.Attr for an error, or an empty string if nil.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
