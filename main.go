// The main package for the pncp-monitor executable.
package main

import (
	"github.com/JakeFAU/pncp-monitor/cmd"
)

func main() {
	cmd.Execute()
}
