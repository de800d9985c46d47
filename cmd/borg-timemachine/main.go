// Package main is the entry point for borg-timemachine.
package main

import (
	"os"
)

func main() {
	os.Exit(exitCode(Execute()))
}
