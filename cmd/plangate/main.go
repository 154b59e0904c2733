package main

import "github.com/ppiankov/plangate/internal/cli"

func main() {
	cli.Execute()
}
