// Command receipts reconciles billing store purchases with the backend.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/receipts/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "receipts:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
