package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "melon",
		Short: "melon serves IIIF 2.1 derivatives of large source images",
	}
	root.AddCommand(serveCmd(), purgeCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
