// Command tiermem is the operator CLI for a tiered memory store.
package main

import (
	"os"

	"github.com/oceanbase/tiermem-go/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
