package main

import "github.com/comigor/sqlchat-go/internal/cli"

func main() {
	cli.Execute()
}
