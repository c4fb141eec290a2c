package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "ldapfixture",
		Short:        "Run a disposable OpenLDAP container for tests",
		SilenceUsage: true, // do not print usage message when commands fail
	}
	root.AddCommand(newUpCommand(), newCertsCommand())
	return root
}
