package main

import "github.com/ahmadzakiakmal/passport-workbench/cli"

func main() {
	cli.Execute()
}
