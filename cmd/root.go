package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "metalyst"}

	root.AddCommand(serveCMD(), sweepCMD())
	_ = root.Execute()
}
