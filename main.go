package main

import (
	"os"

	"github.com/CodeMonkeyCybersecurity/lighthouse/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
