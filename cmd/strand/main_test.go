package main

import (
	"testing"

	"github.com/strandlabs/strand/pkg/models"
)

func TestRootCmdSubcommands(t *testing.T) {
	root := buildRootCmd()

	want := map[string]bool{"serve": false, "frames": false, "compact": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("subcommand %q not registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	configPath = "strand.yaml"
	if got := resolveConfigPath(); got != "strand.yaml" {
		t.Fatalf("resolveConfigPath() = %q", got)
	}

	t.Setenv("STRAND_CONFIG", "/etc/strand/custom.yaml")
	if got := resolveConfigPath(); got != "/etc/strand/custom.yaml" {
		t.Fatalf("resolveConfigPath() = %q, want env override", got)
	}
}

func TestFrameSummaryTruncates(t *testing.T) {
	frame := &models.Frame{Payload: models.Document{
		"text": "a rather long line of text that should be cut off well before it reaches the terminal edge",
	}}
	if got := frameSummary(frame); len(got) > 60 {
		t.Fatalf("summary too long: %q", got)
	}

	frame = &models.Frame{Payload: models.Document{"text": "first\nsecond"}}
	if got := frameSummary(frame); got != "first..." {
		t.Fatalf("summary = %q", got)
	}
}
