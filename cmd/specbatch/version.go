package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/specbatch/internal/version"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the specbatch version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if versionShort {
			fmt.Println(version.Get())
			return
		}
		fmt.Printf("specbatch %s (%s %s/%s)\n", version.Get(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Print only the version number")
}
