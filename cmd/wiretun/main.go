// Package main is the wiretun CLI entrypoint.
package main

import "github.com/wiretun/wiretun/internal/cmd"

func main() {
	cmd.Main()
}
