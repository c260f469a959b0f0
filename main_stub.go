//go:build !tinygo

package main

import "os"

// The firmware entry point is in main.go (TinyGo only). Host builds exist so
// the core compiles and tests with the regular Go toolchain.
func main() {
	os.Stderr.WriteString("imacdimmer: build with tinygo -target=pico-w -scheduler=tasks\n")
	os.Exit(1)
}
