package main

import (
	"fmt"
	"os"

	"ctxbudget/internal/cli"
	"ctxbudget/pkg/logger"
)

func main() {
	err := cli.NewRootCmd().Execute()
	_ = logger.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
