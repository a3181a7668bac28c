package main

import "github.com/mcoot/clanharvest/internal/cli"

func main() {
	cli.Execute()
}
