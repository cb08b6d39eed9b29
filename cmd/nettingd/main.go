package main

import "github.com/openforge/nettingd/internal/cli"

func main() {
	cli.Execute()
}
