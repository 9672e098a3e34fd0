/*
CLI for MOOS communities
*/
package main

import "github.com/moosgo/moos/cmd/moos-cli/commands"

func main() {
	commands.Execute()
}
