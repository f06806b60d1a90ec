package main

import "abiforge/internal/cli"

func main() {
	cli.Main()
}
