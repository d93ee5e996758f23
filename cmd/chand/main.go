package main

import "github.com/lnops/chand/internal/cli"

func main() {
	cli.Execute()
}
