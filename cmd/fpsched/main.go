// Package main is the fpsched entrypoint.
package main

import "fpsched/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
