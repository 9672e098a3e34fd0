package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/moosgo/moos/cmd/moos-cli/internal"
	"github.com/moosgo/moos/pkg/moosdb"
)

var (
	pokeString bool
	pokeAPI    bool
)

func init() {
	pokeCmd.Flags().BoolVarP(&pokeString, "string", "s", false, "always send the value as a string")
	pokeCmd.Flags().BoolVar(&pokeAPI, "via-api", false, "poke through the HTTP API instead of joining the community")
}

var pokeCmd = &cobra.Command{
	Use:   "poke <variable> <value>",
	Short: "Writes a value into a community variable",
	Args:  cobra.ExactArgs(2),
	Run: func(_ *cobra.Command, args []string) {
		key, value := args[0], internal.ParseValue(args[1], pokeString)

		if pokeAPI {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			v, err := moosdb.NewAPIClient(apiAddr, timeout).Poke(ctx, key, value)
			internal.Catch(err, "poke failed:")
			fmt.Printf("%s = %s\n", v.Name, v.Value)
			return
		}

		c := dial(50)
		defer c.Close() //nolint:errcheck
		internal.Catch(c.Notify(key, value, 0), "poke failed:")
		if !flush(c, timeout) {
			internal.Catch(fmt.Errorf("%s not delivered within %s", key, timeout))
		}
		// leave a tick for the server to process the packet.
		time.Sleep(50 * time.Millisecond)
		fmt.Printf("%s = %v\n", key, value)
	},
}
