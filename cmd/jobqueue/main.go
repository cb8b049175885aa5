package main

import (
	"fmt"
	"os"

	"github.com/yungbote/jobqueue/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "jobqueue: %v\n", err)
		os.Exit(1)
	}
}
