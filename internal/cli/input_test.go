package cli

import (
	"errors"
	"testing"
)

func TestParseInvocation_Defaults(t *testing.T) {
	inv, err := ParseInvocation(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if inv.Workload != "pipeline" || inv.Tasks != 64 || inv.Devices != 1 {
		t.Fatalf("defaults: %+v", inv)
	}
	if inv.Config.NumPEs == 0 {
		t.Fatal("config not populated")
	}
}

func TestParseInvocation_Overrides(t *testing.T) {
	inv, err := ParseInvocation([]string{"-workload", "reduction", "-tasks", "10", "-devices", "0", "-v"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if inv.Workload != "reduction" || inv.Tasks != 10 || inv.Devices != 0 || !inv.Verbose {
		t.Fatalf("overrides: %+v", inv)
	}
}

func TestParseInvocation_Rejections(t *testing.T) {
	cases := [][]string{
		{"-workload", "nope"},
		{"-tasks", "0"},
		{"-devices", "-2"},
		{"stray"},
		{"-bogus"},
	}
	for _, args := range cases {
		_, err := ParseInvocation(args)
		if err == nil {
			t.Fatalf("args %v must be rejected", args)
		}
		var invErr *InvocationError
		if !errors.As(err, &invErr) {
			t.Fatalf("args %v: error type %T", args, err)
		}
		if invErr.ExitCode != ExitInvalidInvocation {
			t.Fatalf("args %v: exit code %d", args, invErr.ExitCode)
		}
	}
}
