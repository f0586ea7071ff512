// Command nouns-deployer deploys and wires the Nouns contracts.
package main

import (
	"os"
)

func main() {
	os.Exit(execute())
}
