/*
MOOSDB community server
*/
package main

import "github.com/moosgo/moos/cmd/moosdb/commands"

func main() {
	commands.Execute()
}
