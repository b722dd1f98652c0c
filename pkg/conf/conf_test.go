package conf

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/softhub/host/hub"
	"github.com/ardnew/softhub/pkg"
)

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_Empty(t *testing.T) {
	s, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) failed: %v", err)
	}
	if diff := cmp.Diff(Default(), s); diff != "" {
		t.Errorf("empty file differs from defaults (-want +got):\n%s", diff)
	}
}

func TestParse_Overrides(t *testing.T) {
	data := []byte(`
[timing]
debounce = 400ms
debounce-step = 25ms
control-timeout = 2s

[limits]
reset-tries = 4
max-hub-chain = 5
max-hubs = 8

[features]
superspeed = false

[logging]
level = debug
format = json
`)

	s, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	want := Default()
	want.Hub.Timing.DebounceTime = 400 * time.Millisecond
	want.Hub.Timing.DebounceStep = 25 * time.Millisecond
	want.Hub.Timing.ControlTimeout = 2 * time.Second
	want.Hub.ResetTries = 4
	want.Hub.MaxHubChain = 5
	want.Hub.MaxHubs = 8
	want.Hub.SuperSpeed = false
	want.LogLevel = slog.LevelDebug
	want.LogFormat = pkg.LogFormatJSON

	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("Parse (-want +got):\n%s", diff)
	}
}

func TestParse_CaseInsensitive(t *testing.T) {
	s, err := Parse([]byte("[Limits]\nQueue-Depth = 4\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if s.Hub.QueueDepth != 4 {
		t.Errorf("QueueDepth = %d, want 4", s.Hub.QueueDepth)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantKey string
	}{
		{"NegativeDuration", "[timing]\nport-change-wait = -1ms\n", "timing.port-change-wait"},
		{"BadDuration", "[timing]\ndebounce = soon\n", "timing.debounce"},
		{"ZeroLimit", "[limits]\nreset-polls = 0\n", "limits.reset-polls"},
		{"BadInt", "[limits]\nerror-threshold = ten\n", "limits.error-threshold"},
		{"BadBool", "[features]\nsuperspeed = maybe\n", "features.superspeed"},
		{"BadLevel", "[logging]\nlevel = loud\n", "logging.level"},
		{"BadFormat", "[logging]\nformat = xml\n", "logging.format"},
		{"UnknownKey", "[limits]\nmax-ports = 4\n", "limits.max-ports"},
		{"UnknownSection", "[power]\nbudget = 500\n", "[power]"},
		{"TopLevelKey", "superspeed = true\n", "superspeed"},
		{"CrossField", "[timing]\ndebounce = 10ms\ndebounce-step = 50ms\n", "debounce time"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse([]byte(tt.data))
			if err == nil {
				t.Fatal("Parse succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Errorf("error %q does not name %q", err, tt.wantKey)
			}
			if diff := cmp.Diff(Default(), s); diff != "" {
				t.Errorf("failed Parse returned non-default settings (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParse_InvalidParameter(t *testing.T) {
	_, err := Parse([]byte("[limits]\nqueue-depth = 0\n"))
	if !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Parse = %v, want ErrInvalidParameter", err)
	}
}

// =============================================================================
// Load Tests
// =============================================================================

func TestLoad_Missing(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.ini"))
	if err != nil {
		t.Fatalf("Load(missing) failed: %v", err)
	}
	if diff := cmp.Diff(Default(), s); diff != "" {
		t.Errorf("missing file differs from defaults (-want +got):\n%s", diff)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "softhub.ini")
	if err := os.WriteFile(path, []byte("[limits]\nenum-retries = 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Hub.EnumRetries != 7 {
		t.Errorf("EnumRetries = %d, want 7", s.Hub.EnumRetries)
	}
}

func TestLoad_ErrorNamesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ini")
	if err := os.WriteFile(path, []byte("[limits]\nenum-retries = -2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), path) {
		t.Errorf("Load = %v, want error naming %s", err, path)
	}
}

func TestSettings_Apply(t *testing.T) {
	prev := pkg.GetLogLevel()
	defer func() {
		pkg.SetLogFormat(pkg.LogFormatText)
		pkg.SetLogLevel(prev)
	}()

	s := Default()
	s.LogLevel = slog.LevelError
	s.Apply()

	if got := pkg.GetLogLevel(); got != slog.LevelError {
		t.Errorf("log level = %v, want %v", got, slog.LevelError)
	}
}

func TestDefault_MatchesHubDefaults(t *testing.T) {
	if diff := cmp.Diff(hub.DefaultConfig(), Default().Hub); diff != "" {
		t.Errorf("Default().Hub (-want +got):\n%s", diff)
	}
}
