// Package main is the entry point for the fwdctl binary.
//
// fwdctl stores SSH port-forward rules per host and keeps them live while a
// session to that host is open.
//
// Usage:
//
//	fwdctl add --host 1 --source 8080 --dest localhost:80
//	fwdctl list --host 1
//	fwdctl serve --host 1 --addr bastion.example.com
//
// The command tree lives in internal/cli. This file only hands it the process
// arguments and turns the result into an exit code.
package main

import (
	"os"

	"github.com/treykane/fwdctl/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
