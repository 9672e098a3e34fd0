/*
LBL navigator for MOOS communities
*/
package main

import "github.com/moosgo/moos/cmd/lblnav/commands"

func main() {
	commands.Execute()
}
