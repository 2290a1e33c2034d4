//go:build unit

package execution

import (
	"strings"
	"testing"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain",
			input:    "/tmp/script.sh",
			expected: "'/tmp/script.sh'",
		},
		{
			name:     "spaces",
			input:    "/tmp/my dir",
			expected: "'/tmp/my dir'",
		},
		{
			name:     "embedded single quote",
			input:    "it's",
			expected: `'it'\''s'`,
		},
		{
			name:     "dollar not expanded",
			input:    "$HOME",
			expected: "'$HOME'",
		},
		{
			name:     "empty",
			input:    "",
			expected: "''",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shellQuote(tt.input); got != tt.expected {
				t.Fatalf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestBuildShellCommand(t *testing.T) {
	cmd := Command{
		Path:    "/tmp/scriptctl_x.sh",
		WorkDir: "/srv/app",
		Env: map[string]string{
			"B_VAR": "two",
			"A_VAR": "one",
		},
	}

	got := buildShellCommand(cmd)
	expected := "export A_VAR='one'; export B_VAR='two'; cd '/srv/app' && bash -l '/tmp/scriptctl_x.sh'"
	if got != expected {
		t.Fatalf("expected:\n%s\ngot:\n%s", expected, got)
	}
}

func TestBuildShellCommand_NoEnv(t *testing.T) {
	got := buildShellCommand(Command{Path: "/tmp/s.sh", WorkDir: "/"})
	if got != "cd '/' && bash -l '/tmp/s.sh'" {
		t.Fatalf("unexpected command: %s", got)
	}
}

func TestBuildShellCommand_QuotesEnvValues(t *testing.T) {
	got := buildShellCommand(Command{
		Path:    "/tmp/s.sh",
		WorkDir: "/",
		Env:     map[string]string{"MSG": "don't; rm -rf /"},
	})
	if !strings.Contains(got, `export MSG='don'\''t; rm -rf /'; `) {
		t.Fatalf("env value not quoted: %s", got)
	}
}

func TestTargetAddr(t *testing.T) {
	tests := []struct {
		name     string
		target   Target
		expected string
	}{
		{
			name:     "defaults",
			target:   Target{},
			expected: "127.0.0.1:22",
		},
		{
			name:     "host only",
			target:   Target{Host: "build-box"},
			expected: "build-box:22",
		},
		{
			name:     "host and port",
			target:   Target{Host: "build-box", Port: 2222},
			expected: "build-box:2222",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.target.Addr(); got != tt.expected {
				t.Fatalf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestTargetUsername_Explicit(t *testing.T) {
	tgt := Target{User: "deploy"}
	if got := tgt.Username(); got != "deploy" {
		t.Fatalf("expected deploy, got %s", got)
	}
}

func TestTargetUsername_Default(t *testing.T) {
	if got := (Target{}).Username(); got == "" {
		t.Fatal("expected a non-empty fallback username")
	}
}
