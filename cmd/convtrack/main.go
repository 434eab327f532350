// Command convtrack runs the conversion tracking gateway and its tooling.
package main

import (
	"context"
	"os"

	"github.com/roach88/convtrack/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background()))
}
