package main

import "spotwatch/internal/cli"

func main() {
	cli.Execute()
}
