/*
CLI client for rudft file servers
*/
package main

import (
	"github.com/rudft/rudft/cmd/rudft-client/commands"
)

func main() {
	commands.Execute()
}
