// Package main is the entry point for the downloadarr server.
package main

import (
	"os"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/cmd/downloadarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
