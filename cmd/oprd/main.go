package main

import "github.com/LeJamon/goOPRd/internal/cli"

func main() {
	cli.Execute()
}
