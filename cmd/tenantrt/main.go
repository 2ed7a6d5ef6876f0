// Package main provides the CLI for the tenantrt multi-tenant Starlark runtime.
package main

import (
	"os"

	"github.com/leapstack-labs/tenantrt/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
