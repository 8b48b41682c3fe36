package logfields

import (
	"log/slog"
	"testing"
)

// TestStringHelpers verifies string-based helper key/value stability.
func TestStringHelpers(t *testing.T) {
	cases := []struct {
		name    string
		attrKey string
		attrVal string
		attr    slog.Attr
	}{
		{"Org", KeyOrg, "web3dao", Org("web3dao")},
		{"Repo", KeyRepo, "infra", Repo("infra")},
		{"FullName", KeyFullName, "web3dao/infra", FullName("web3dao/infra")},
		{"JobID", KeyJobID, "123", JobID("123")},
		{"JobType", KeyJobType, "analysis", JobType("analysis")},
		{"Queue", KeyQueue, "analysis-jobs", Queue("analysis-jobs")},
		{"Stage", KeyStage, "cloning", Stage("cloning")},
		{"SourceType", KeySourceType, "org_list", SourceType("org_list")},
		{"Path", KeyPath, "/tmp/x", Path("/tmp/x")},
		{"SHA", KeySHA, "abc123", SHA("abc123")},
		{"Worker", KeyWorker, "w1", Worker("w1")},
		{"URL", KeyURL, "https://example.com", URL("https://example.com")},
		{"Name", KeyName, "n", Name("n")},
	}

	for _, tc := range cases {
		if tc.attr.Key != tc.attrKey {
			t.Fatalf("%s: expected key %s, got %s", tc.name, tc.attrKey, tc.attr.Key)
		}
		if got := tc.attr.Value.String(); got != tc.attrVal {
			t.Fatalf("%s: expected value %s, got %v", tc.name, tc.attrVal, got)
		}
	}
}

// TestNumericHelpers verifies keys for numeric & float helpers.
func TestNumericHelpers(t *testing.T) {
	if v := Attempt(2); v.Key != KeyAttempt {
		t.Fatalf("Attempt key mismatch: %s", v.Key)
	}
	if v := MaxAttempts(3); v.Key != KeyMaxAttempts {
		t.Fatalf("MaxAttempts key mismatch: %s", v.Key)
	}
	if v := DurationMS(12.5); v.Key != KeyDurationMS {
		t.Fatalf("DurationMS key mismatch: %s", v.Key)
	}
	if v := Active(4); v.Key != KeyActive {
		t.Fatalf("Active key mismatch: %s", v.Key)
	}
	if v := Max(10); v.Key != KeyMax {
		t.Fatalf("Max key mismatch: %s", v.Key)
	}
}

// TestErrorHelper ensures Error() handles nil and non-nil errors predictably.
func TestErrorHelper(t *testing.T) {
	attr := Error(nil)
	if attr.Key != KeyError {
		t.Fatalf("Error key mismatch: %s", attr.Key)
	}
	if attr.Value.String() != "" {
		t.Fatalf("expected empty error string, got %s", attr.Value.String())
	}
	attr = Error(errTest{})
	if attr.Value.String() != "err-test" {
		t.Fatalf("expected 'err-test', got %s", attr.Value.String())
	}
}

type errTest struct{}

func (e errTest) Error() string { return "err-test" }
