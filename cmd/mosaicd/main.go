// Command mosaicd runs the Mosaic proximity scan-and-match daemon.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
