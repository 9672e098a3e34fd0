package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/moosgo/moos/cmd/moos-cli/internal"
	"github.com/moosgo/moos/internal/color"
	"github.com/moosgo/moos/pkg/comms"
	"github.com/moosgo/moos/pkg/moosdb"
)

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "Lists the clients connected to MOOSDB",
	Run: func(_ *cobra.Command, _ []string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		clients, err := moosdb.NewAPIClient(apiAddr, timeout).Clients(ctx)
		internal.Catch(err)
		printClients(os.Stdout, clients)
	},
}

var varsCmd = &cobra.Command{
	Use:   "vars [variable]",
	Short: "Lists community variables, or details a single one",
	Args:  cobra.MaximumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		api := moosdb.NewAPIClient(apiAddr, timeout)
		if len(args) == 1 {
			v, err := api.Variable(ctx, args[0])
			internal.Catch(err)
			printVariables(os.Stdout, []moosdb.VariableInfo{v})
			return
		}
		vars, err := api.Variables(ctx)
		internal.Catch(err)
		printVariables(os.Stdout, vars)
	},
}

func ms(d time.Duration) string {
	return fmt.Sprintf("%.2f", float64(d)/float64(time.Millisecond))
}

func printClients(out io.Writer, clients []comms.ClientCommsStatus) {
	sort.Slice(clients, func(i, j int) bool { return clients[i].Name < clients[j].Name })

	w := tabwriter.NewWriter(out, 0, 0, 5, ' ', tabwriter.TabIndent)
	_, err := fmt.Fprintln(w, "name\thost\tstate\tlatency_ms\tquality\tmsgs_rx\tmsgs_tx\tsubscribes\tpublishes")
	internal.Catch(err)
	for _, c := range clients {
		_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			c.Name, c.Host, c.State, ms(c.Latency.Recent),
			color.ForQuality(c.Quality).ColorizeText(c.Quality),
			c.Counters.MsgsRx, c.Counters.MsgsTx,
			strings.Join(c.Subscribes, ","), strings.Join(c.Publishes, ","))
		internal.Catch(err)
	}
	internal.Catch(w.Flush())
}

func printVariables(out io.Writer, vars []moosdb.VariableInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 5, ' ', tabwriter.TabIndent)
	_, err := fmt.Fprintln(w, "name\ttype\tvalue\tsource\ttime\twrites\tsubscribers")
	internal.Catch(err)
	for _, v := range vars {
		_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.3f\t%d\t%s\n",
			v.Name, v.Type, v.Value, v.Source, v.Time, v.Writes, strings.Join(v.Subscribers, ","))
		internal.Catch(err)
	}
	internal.Catch(w.Flush())
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarises the clients and variables of the community",
	Run: func(_ *cobra.Command, _ []string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		api := moosdb.NewAPIClient(apiAddr, timeout)
		clients, err := api.Clients(ctx)
		internal.Catch(err)
		vars, err := api.Variables(ctx)
		internal.Catch(err)

		fmt.Printf("%d clients\n", len(clients))
		printClients(os.Stdout, clients)
		fmt.Printf("\n%d variables\n", len(vars))
		printVariables(os.Stdout, vars)
	},
}
