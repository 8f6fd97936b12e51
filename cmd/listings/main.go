// The main package for the listings executable.
package main

import (
	"github.com/JakeFAU/realtime-listings-ingest/cmd"
)

func main() {
	cmd.Execute()
}
