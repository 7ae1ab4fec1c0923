package main

import (
	"log"

	"github.com/spf13/cobra"

	ipsetcli "github.com/amirimatin/go-ipset/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "ipsetctl",
		Short:         "per-core address set daemon and management CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	ipsetcli.AddAll(root)
	return root
}
