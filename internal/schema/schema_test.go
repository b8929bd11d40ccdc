package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestBuildSchema(t *testing.T) {
	root := &cobra.Command{Use: "xswap"}
	root.PersistentFlags().Bool("json", false, "Output JSON")
	tokens := &cobra.Command{Use: "tokens", Short: "token lookups"}
	get := &cobra.Command{Use: "get", Short: "resolve one token", RunE: func(*cobra.Command, []string) error { return nil }}
	get.Flags().String("token", "", "token address")
	get.Flags().String("chain", "", "chain id")
	_ = get.MarkFlagRequired("chain")
	tokens.AddCommand(get)
	root.AddCommand(tokens)

	s, err := Build(root, "tokens get")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "xswap tokens get" || !s.Runnable {
		t.Fatalf("unexpected command: %+v", s)
	}
	if len(s.Flags) != 2 || s.Flags[0].Name != "chain" || !s.Flags[0].Required || s.Flags[1].Required {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
	if len(s.Global) != 1 || s.Global[0].Name != "json" {
		t.Fatalf("unexpected global flags: %+v", s.Global)
	}
}

func TestBuildSchemaUnknownCommand(t *testing.T) {
	root := &cobra.Command{Use: "xswap"}
	if _, err := Build(root, "bridge run"); err == nil {
		t.Fatal("expected unknown command error")
	}
}
