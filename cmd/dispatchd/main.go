package main

import (
	"context"
	"fmt"
	"os"

	"dispatchd/internal/cli"
)

func main() {
	if err := cli.Build().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
