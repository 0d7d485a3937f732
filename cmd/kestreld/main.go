// Command kestreld is a small demo binary exercising the reactor and
// ioruntime packages end to end: a TCP echo listener driven entirely by
// fibers dispatched on a Reactor.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "kestreld",
		Short: "kestreld runs demo services on top of the kestrel fiber/reactor runtime",
	}

	root.AddCommand(newServeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
