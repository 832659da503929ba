package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/chatwoot/chatbridge/internal/cmd"
)

var (
	executeCmd            = cmd.Execute
	mapExitCode           = cmd.ExitCode
	terminate             = os.Exit
	stderr      io.Writer = os.Stderr
)

func run(args []string) int {
	if err := executeCmd(context.Background(), args); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return mapExitCode(err)
	}
	return 0
}

func main() {
	terminate(run(os.Args[1:]))
}
