package main

import "esi/internal/cli"

func main() {
	cli.Execute()
}
