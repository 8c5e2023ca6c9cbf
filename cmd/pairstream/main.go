package main

import "github.com/pairstream/pairstream/cmd/pairstream/commands"

func main() {
	commands.Execute()
}
