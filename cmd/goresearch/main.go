package main

import (
	"fmt"
	"os"

	"github.com/ignatij/goresearch/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "goresearch",
	Short: "Resumable research workflows driven by an LLM",
}

func main() {
	cli.SetupCLI(rootCmd, cli.FromFlags)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
