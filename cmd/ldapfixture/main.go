// Command ldapfixture runs the test LDAP container by hand, for poking at it
// with ldapsearch or for tests that run outside Go.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
