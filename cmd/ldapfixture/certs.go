package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jrsfleming/ldapcontainer/certgen"
)

type certsFlags struct {
	dir string
}

func newCertsCommand() *cobra.Command {
	var flags certsFlags
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Write a self-signed certificate, key and CA file for TLS tests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			files, err := writeCerts(flags.dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cert: %s\n", files.Cert)
			fmt.Fprintf(out, "key:  %s\n", files.Key)
			fmt.Fprintf(out, "ca:   %s\n", files.CA)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.dir, "dir", ".", "directory to write cert.crt, key.key and ca.crt into")
	return cmd
}

func writeCerts(dir string) (certgen.Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return certgen.Files{}, fmt.Errorf("create %s: %w", dir, err)
	}
	files := certgen.Files{
		Cert: filepath.Join(dir, "cert.crt"),
		Key:  filepath.Join(dir, "key.key"),
		CA:   filepath.Join(dir, "ca.crt"),
	}
	if err := certgen.Generate(files.Cert, files.Key, files.CA); err != nil {
		return certgen.Files{}, err
	}
	return files, nil
}
