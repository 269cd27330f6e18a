package main

import (
	"fmt"
	"os"

	"taskrt/internal/cli"
)

// main is a deterministic boundary: flags and environment are canonicalized
// into an Invocation before any engine logic is invoked.
func main() {
	inv, err := cli.ParseInvocation(os.Args[1:])
	if err != nil {
		if invErr, ok := cli.IsInvocationError(err); ok {
			fmt.Fprintln(os.Stderr, invErr.Message)
			os.Exit(invErr.ExitCode)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitConfigError)
	}

	code, runErr := cli.Run(inv)
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
	}
	os.Exit(code)
}
