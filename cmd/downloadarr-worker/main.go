// Package main is the entry point for the downloadarr remote worker.
package main

import (
	"os"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/cmd/downloadarr-worker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
