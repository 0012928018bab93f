// Command x402pay pays for HTTP resources that answer 402 Payment Required.
package main

import (
	"os"

	"github.com/becomeliminal/x402-payer/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
