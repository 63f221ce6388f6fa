package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tandem-run/tandem/internal/cmd"
	"github.com/tandem-run/tandem/internal/core"
)

func main() {
	if err := cmd.Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(core.ExitCode(err))
	}
}
