package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCommand_Tree(t *testing.T) {
	root := newRootCommand()
	for _, path := range [][]string{{"serve"}, {"migrate"}, {"reconcile"}, {"credits", "adjust"}, {"credits", "redact"}} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not registered: %v", path, err)
		}
	}
}

func TestCreditsRedact_RejectsBadID(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "")

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"credits", "redact", "not-a-uuid"})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "invalid entry id") {
		t.Fatalf("expected invalid entry id error, got %v", err)
	}
}

func TestServe_RequiresSecrets(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", "")
	t.Setenv("WORKFLOW_CALLBACK_SECRET", "")

	root := newRootCommand()
	root.SetArgs([]string{"serve", "--memory"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "JWT_SECRET is required") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}
