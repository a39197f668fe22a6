package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nfrund/sphere/internal/bus"
	"github.com/nfrund/sphere/internal/topic"
)

var callTimeout time.Duration

var callCmd = &cobra.Command{
	Use:   "call <topic> <method> [json-arg...]",
	Short: "Call a method on a bus service",
	Long: `Send a request to the service listening on a topic and print its reply.
Arguments are read as JSON; anything that is not valid JSON is sent as a string.

Examples:
  sphere call '$node/ABCDEF/module/start' '' driver-hue
  sphere call '$device/0123456789/channel/light' setLight '{"power": true}'`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "sphere-cli")
		if err != nil {
			return err
		}
		defer a.Shutdown()
		b, err := a.Bus()
		if err != nil {
			return err
		}
		t, err := topic.Parse(args[0], topic.Timeout(callTimeout))
		if err != nil {
			return err
		}
		result, err := b.Call(cmd.Context(), t, args[1], parseArgs(args[2:])...)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <topic> [json-arg...]",
	Short: "Publish a message on a topic",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "sphere-cli")
		if err != nil {
			return err
		}
		defer a.Shutdown()
		b, err := a.Bus()
		if err != nil {
			return err
		}
		t, err := topic.Parse(args[0])
		if err != nil {
			return err
		}
		return b.Publish(t, parseArgs(args[1:])...)
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen <topic>",
	Short: "Print the messages published on a topic",
	Long: `Subscribe to a topic template and print every message until interrupted.
Parameters such as :device and wildcards (+, #) are allowed.

Examples:
  sphere listen '$device/:device/channel/:channel/event/state'
  sphere listen '$node/+/module/#'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "sphere-cli")
		if err != nil {
			return err
		}
		defer a.Shutdown()
		b, err := a.Bus()
		if err != nil {
			return err
		}
		t, err := topic.Parse(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		_, err = b.Subscribe(t, func(msg *bus.Message, _ bus.Params, _ bus.ReplyFunc) {
			fmt.Fprintf(out, "%s %s\n", msg.Topic, string(msg.Payload))
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(callCmd, publishCmd, listenCmd)
	callCmd.Flags().DurationVarP(&callTimeout, "timeout", "t", 10*time.Second, "How long to wait for the reply")
}
