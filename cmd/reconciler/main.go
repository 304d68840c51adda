package main

import (
	"os"

	"bitget-ledger-sync/cmd/reconciler/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
