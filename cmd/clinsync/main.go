// Command clinsync keeps an offline clinical replica in sync with its
// authority.
package main

import (
	"os"

	"github.com/roach88/clinsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
