package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/softhub/host/hal/sim"
	"github.com/ardnew/softhub/host/hub"
	"github.com/ardnew/softhub/pkg"
)

// fastConfig shortens every delay so scenarios run in milliseconds.
func fastConfig() hub.Config {
	cfg := hub.DefaultConfig()
	cfg.Timing = hub.Timing{
		DebounceTime:    4 * time.Millisecond,
		DebounceStep:    time.Millisecond,
		PortChangeWait:  time.Millisecond,
		ResetShortDelay: time.Millisecond,
		ResetLongDelay:  time.Millisecond,
		ControlTimeout:  time.Second,
	}
	return cfg
}

func mustParse(t *testing.T, script string) []command {
	t.Helper()
	cmds, err := parseScript(strings.NewReader(script))
	if err != nil {
		t.Fatalf("parseScript failed: %v", err)
	}
	return cmds
}

// =============================================================================
// Parser Tests
// =============================================================================

func TestParseScript(t *testing.T) {
	cmds := mustParse(t, `
# two tier topology
hub h1 root 2 ports=7 speed=super container=8c6a0c0e-4f7a-4b7e-9d2e-3c1f0a9b5d11
device "mouse" h1 3 speed=low   # trailing comment
connect-seq h1 4 1 0 1
EXPECT attached mouse timeout=2s
`)

	type parsed struct {
		Line int
		Verb string
		Args []string
		Opts map[string]string
	}
	var got []parsed
	for _, c := range cmds {
		got = append(got, parsed{c.line, c.verb, c.args, c.opts})
	}
	want := []parsed{
		{3, "hub", []string{"h1", "root", "2"}, map[string]string{
			"ports": "7", "speed": "super", "container": "8c6a0c0e-4f7a-4b7e-9d2e-3c1f0a9b5d11",
		}},
		{4, "device", []string{"mouse", "h1", "3"}, map[string]string{"speed": "low"}},
		{5, "connect-seq", []string{"h1", "4", "1", "0", "1"}, map[string]string{}},
		{6, "expect", []string{"attached", "mouse"}, map[string]string{"timeout": "2s"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseScript (-want +got):\n%s", diff)
	}
}

func TestParseScript_Errors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		line   string
	}{
		{"UnknownVerb", "hub h1 root 1\nexplode now\n", "line 2"},
		{"MissingArgs", "device d1 root\n", "line 1"},
		{"ExtraArgs", "wait 1s 2s\n", "line 1"},
		{"ShortConnectSeq", "connect-seq root\n", "line 1"},
		{"Unterminated", "device \"d1 root 1\n", "line 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseScript(strings.NewReader(tt.script))
			if err == nil {
				t.Fatal("parseScript succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.line) {
				t.Errorf("error %q does not name %s", err, tt.line)
			}
		})
	}
}

func TestHubOptions(t *testing.T) {
	o, err := hubOptions(map[string]string{"ports": "0x0a", "speed": "super", "self-powered": "true", "think": "2"})
	if err != nil {
		t.Fatalf("hubOptions failed: %v", err)
	}
	if o.Ports != 10 || !o.SelfPowered || o.ThinkTime != 2 {
		t.Errorf("hubOptions = %+v", o)
	}

	for _, bad := range []map[string]string{
		{"speed": "warp"},
		{"ports": "many"},
		{"container": "not-a-uuid"},
		{"think": "9"},
	} {
		if _, err := hubOptions(bad); err == nil {
			t.Errorf("hubOptions(%v) succeeded, want error", bad)
		}
	}
}

// =============================================================================
// Scenario Tests
// =============================================================================

func TestSimulate_PlugAndUnplug(t *testing.T) {
	cmds := mustParse(t, `
hub h1 root 2
expect attached h1
device kbd h1 3 speed=full
expect attached kbd
show
unplug h1 3
expect detached kbd
unplug root 2
expect detached h1
`)

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := simulate(ctx, fastConfig(), sim.HubOptions{Ports: 4}, cmds, false, &out); err != nil {
		t.Fatalf("simulate failed: %v", err)
	}

	shown := out.String()
	for _, want := range []string{"root", "h1", "kbd", "hub ports=4"} {
		if !strings.Contains(shown, want) {
			t.Errorf("show output lacks %q:\n%s", want, shown)
		}
	}
}

func TestSimulate_ExpectTimeout(t *testing.T) {
	cmds := mustParse(t, `
hub h1 root 1
reset-polls h1 1 -1
device d1 h1 1
expect attached d1 timeout=50ms
`)

	err := simulate(context.Background(), fastConfig(), sim.HubOptions{Ports: 2}, cmds, false, &bytes.Buffer{})
	if !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("simulate = %v, want ErrTimeout", err)
	}
	if !strings.Contains(err.Error(), "line 5") {
		t.Errorf("error %q does not name the failing line", err)
	}
}

func TestSimulate_CommandErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   error
	}{
		{"UnknownParent", "device d1 nowhere 1\n", pkg.ErrNotFound},
		{"NotAHub", "device d1 root 1\ndevice d2 d1 1\n", pkg.ErrInvalidHub},
		{"PortRange", "hub h1 root 9\n", pkg.ErrInvalidParameter},
		{"Duplicate", "device d1 root 1\ndevice d1 root 2\n", pkg.ErrInvalidParameter},
		{"EmptyPort", "unplug root 1\n", pkg.ErrNoDevice},
		{"SuspendUnknown", "suspend h9 1\n", pkg.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmds := mustParse(t, tt.script)
			err := simulate(context.Background(), fastConfig(), sim.HubOptions{Ports: 4}, cmds, false, &bytes.Buffer{})
			if !errors.Is(err, tt.want) {
				t.Errorf("simulate = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSimulate_Interrupted(t *testing.T) {
	cmds := mustParse(t, "wait 1m\n")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	if err := simulate(ctx, fastConfig(), sim.HubOptions{Ports: 2}, cmds, false, &bytes.Buffer{}); err != nil {
		t.Errorf("simulate after interrupt = %v, want nil", err)
	}
}
