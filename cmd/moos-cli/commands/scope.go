package commands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moosgo/moos/cmd/moos-cli/internal"
	"github.com/moosgo/moos/internal/color"
	"github.com/moosgo/moos/pkg/comms"
)

var (
	scopeInterval string
	scopeCount    int
)

func init() {
	scopeCmd.Flags().StringVarP(&scopeInterval, "interval", "n", "0", "minimum seconds between notifications of a variable")
	scopeCmd.Flags().IntVarP(&scopeCount, "count", "c", 0, "exit after this many messages, 0 runs until interrupted")
}

var scopeCmd = &cobra.Command{
	Use:   "scope <variable|pattern>...",
	Short: "Prints notifications of variables as they arrive",
	Long:  "Prints notifications of variables as they arrive. Patterns such as NAV_* or NAV_*:pNav subscribe by wildcard.",
	Args:  cobra.MinimumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		interval := internal.ParseInterval("interval", scopeInterval)

		mail := make(chan struct{}, 1)
		c := dial(20)
		defer c.Close() //nolint:errcheck
		c.SetOnMail(func() {
			select {
			case mail <- struct{}{}:
			default:
			}
		})
		for _, arg := range args {
			internal.Catch(subscribe(c, arg, interval), "subscribe failed:")
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		seen := 0
		for {
			select {
			case <-sig:
				return
			case <-mail:
				msgs, _ := c.Fetch()
				for _, m := range msgs {
					printMsg(os.Stdout, m)
					seen++
					if scopeCount > 0 && seen >= scopeCount {
						return
					}
				}
			}
		}
	},
}

func subscribe(c *comms.Client, arg string, interval float64) error {
	if i := strings.IndexByte(arg, ':'); i >= 0 {
		return c.RegisterWildcard(arg[:i], arg[i+1:], interval)
	}
	return c.Register(arg, interval)
}

func kindColor(k comms.PayloadKind) color.Color {
	switch k {
	case comms.DoublePayload:
		return color.Green
	case comms.StringPayload:
		return color.Cyan
	case comms.BinaryPayload:
		return color.Yellow
	default:
		return color.Plain
	}
}

func printMsg(w io.Writer, m comms.Msg) {
	source := m.Source
	if m.SourceAux != "" {
		source += "/" + m.SourceAux
	}
	fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\n", //nolint:errcheck
		m.Time, color.Blue.ColorizeText(m.Key), source, kindColor(m.Kind).ColorizeText(m.Value()))
}
