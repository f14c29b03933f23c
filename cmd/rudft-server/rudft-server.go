/*
File server over reliable UDP
*/
package main

import (
	"github.com/rudft/rudft/cmd/rudft-server/commands"
)

func main() {
	commands.Execute()
}
