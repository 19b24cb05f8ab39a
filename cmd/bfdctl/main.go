// Command bfdctl is the command-line client for the bfdd daemon's admin API.
package main

import "github.com/lindenhall/bfdd/cmd/bfdctl/commands"

func main() {
	commands.Execute()
}
