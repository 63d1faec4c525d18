package main

import (
	"context"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	if !names["run"] {
		t.Fatalf("expected the run subcommand to be registered")
	}
}

func TestBuildRunCmdRegistersProviderFlag(t *testing.T) {
	cmd := buildRunCmd()
	flag := cmd.Flags().Lookup("provider")
	if flag == nil {
		t.Fatalf("expected a --provider flag")
	}
	if flag.DefValue != "anthropic" {
		t.Fatalf("expected --provider to default to anthropic, got %q", flag.DefValue)
	}
}

func TestBuildTransportRejectsUnknownProvider(t *testing.T) {
	_, err := buildTransport(context.Background(), runOptions{Provider: "carrier-pigeon"})
	if err == nil {
		t.Fatalf("expected an error for an unknown provider")
	}
}
