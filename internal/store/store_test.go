//go:build unit

package store

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), testLogger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestAddGetRemoveScript(t *testing.T) {
	s := openTestStore(t)

	added, err := s.AddScript(Script{
		Name:   "deploy",
		Host:   "build-box",
		User:   "deploy",
		Script: "#!/bin/bash\necho deploying",
	})
	if err != nil {
		t.Fatalf("AddScript: %v", err)
	}
	if added.ID == uuid.Nil {
		t.Fatal("expected an assigned id")
	}
	if added.CreatedAt.IsZero() {
		t.Fatal("expected a creation timestamp")
	}

	got, err := s.GetScript("deploy")
	if err != nil {
		t.Fatalf("GetScript: %v", err)
	}
	if got.ID != added.ID || got.Host != "build-box" {
		t.Fatalf("unexpected script: %+v", got)
	}

	if err := s.RemoveScript("deploy"); err != nil {
		t.Fatalf("RemoveScript: %v", err)
	}
	if _, err := s.GetScript("deploy"); !errors.Is(err, ErrScriptNotFound) {
		t.Fatalf("expected ErrScriptNotFound, got %v", err)
	}
	if err := s.RemoveScript("deploy"); !errors.Is(err, ErrScriptNotFound) {
		t.Fatalf("expected ErrScriptNotFound on second remove, got %v", err)
	}
}

func TestAddScript_UpsertKeepsIdentity(t *testing.T) {
	s := openTestStore(t)

	first, err := s.AddScript(Script{Name: "deploy", Script: "echo v1"})
	if err != nil {
		t.Fatalf("AddScript: %v", err)
	}
	second, err := s.AddScript(Script{Name: "deploy", Script: "echo v2", Host: "new-host"})
	if err != nil {
		t.Fatalf("AddScript upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert changed id: %s -> %s", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("upsert changed creation time")
	}

	got, _ := s.GetScript("deploy")
	if got.Script != "echo v2" || got.Host != "new-host" {
		t.Fatalf("upsert did not replace definition: %+v", got)
	}
	if len(s.ListScripts()) != 1 {
		t.Fatal("upsert created a duplicate entry")
	}
}

func TestAddScript_Validation(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.AddScript(Script{Script: "echo hi"}); err == nil {
		t.Fatal("expected error for missing name")
	}
	if _, err := s.AddScript(Script{Name: "x"}); err == nil {
		t.Fatal("expected error for missing script text")
	}
}

func TestListScripts_SortedByName(t *testing.T) {
	s := openTestStore(t)
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if _, err := s.AddScript(Script{Name: name, Script: "true"}); err != nil {
			t.Fatalf("AddScript %s: %v", name, err)
		}
	}
	scripts := s.ListScripts()
	if len(scripts) != 3 {
		t.Fatalf("expected 3 scripts, got %d", len(scripts))
	}
	for i, want := range []string{"alpha", "bravo", "charlie"} {
		if scripts[i].Name != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, scripts[i].Name)
		}
	}
}

func TestReloadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testLogger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	added, err := s.AddScript(Script{
		Name:    "backup",
		WorkDir: "/var/backups",
		Env:     map[string]string{"TARGET": "db1"},
		Script:  "pg_dump mydb",
	})
	if err != nil {
		t.Fatalf("AddScript: %v", err)
	}

	reloaded, err := Open(dir, testLogger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reloaded.GetScript("backup")
	if err != nil {
		t.Fatalf("GetScript after reload: %v", err)
	}
	if got.ID != added.ID || got.WorkDir != "/var/backups" || got.Env["TARGET"] != "db1" {
		t.Fatalf("reload lost data: %+v", got)
	}
}

func TestRecordExecutionAndLogReadback(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testLogger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	started := time.Now().Add(-3 * time.Second)
	rec := ExecutionRecord{
		ID:         uuid.New(),
		ScriptName: "deploy",
		State:      "completed",
		ExitCode:   0,
		StartedAt:  started,
		FinishedAt: started.Add(2500 * time.Millisecond),
	}
	output := []byte("building...\ndeployed\n")
	if err := s.RecordExecution(rec, output); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	history := s.History("deploy")
	if len(history) != 1 {
		t.Fatalf("expected 1 record, got %d", len(history))
	}
	if history[0].DurationMS != 2500 {
		t.Fatalf("expected derived duration 2500ms, got %d", history[0].DurationMS)
	}
	if history[0].LogFile == "" {
		t.Fatal("expected an archived log file")
	}

	got, err := s.ExecutionLog(rec.ID)
	if err != nil {
		t.Fatalf("ExecutionLog: %v", err)
	}
	if string(got) != string(output) {
		t.Fatalf("log roundtrip mismatch: %q", got)
	}

	// Survives reload.
	reloaded, err := Open(dir, testLogger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err = reloaded.ExecutionLog(rec.ID)
	if err != nil {
		t.Fatalf("ExecutionLog after reload: %v", err)
	}
	if string(got) != string(output) {
		t.Fatalf("log mismatch after reload: %q", got)
	}
}

func TestHistory_OldestFirstPerScript(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()
	for i, name := range []string{"a", "b", "a"} {
		rec := ExecutionRecord{
			ScriptName: name,
			State:      "completed",
			StartedAt:  base.Add(time.Duration(2-i) * time.Minute),
			FinishedAt: base.Add(time.Duration(2-i)*time.Minute + time.Second),
		}
		if err := s.RecordExecution(rec, nil); err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
	}
	history := s.History("a")
	if len(history) != 2 {
		t.Fatalf("expected 2 records for a, got %d", len(history))
	}
	if history[0].StartedAt.After(history[1].StartedAt) {
		t.Fatal("history not sorted oldest first")
	}
}

func TestExecutionLog_NoArchive(t *testing.T) {
	s := openTestStore(t)
	rec := ExecutionRecord{ID: uuid.New(), ScriptName: "quiet", State: "completed"}
	if err := s.RecordExecution(rec, nil); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if _, err := s.ExecutionLog(rec.ID); err == nil {
		t.Fatal("expected error for execution without an archived log")
	}
}

func TestParseDefinition(t *testing.T) {
	data := []byte(`name: deploy
description: roll out the app
host: build-box
port: 2222
user: deploy
working_dir: /srv/app
env:
  STAGE: prod
script: |
  #!/bin/bash
  echo deploying
`)
	def, err := ParseDefinition(data)
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	if def.Name != "deploy" || def.Host != "build-box" || def.Port != 2222 {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if def.Env["STAGE"] != "prod" {
		t.Fatalf("env not parsed: %+v", def.Env)
	}
	sc := def.ToScript()
	if sc.Name != "deploy" || sc.WorkDir != "/srv/app" || !strings.Contains(sc.Script, "echo deploying") {
		t.Fatalf("ToScript mismatch: %+v", sc)
	}
}

func TestParseDefinition_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "missing name",
			data: "script: echo hi\n",
		},
		{
			name: "missing script",
			data: "name: deploy\n",
		},
		{
			name: "unknown field rejected",
			data: "name: deploy\nscript: echo hi\nbogus: field\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDefinition([]byte(tt.data)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}
