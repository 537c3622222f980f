// Command guesthost runs scripts on an embedded WebAssembly guest runtime.
package main

import (
	"os"

	"github.com/reglet-dev/reglet-embed/cmd/guesthost/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
