package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect and check service contracts",
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the known service contracts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "sphere-cli")
		if err != nil {
			return err
		}
		defer a.Shutdown()
		catalog, err := a.Schemas()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, uri := range catalog.URIs() {
			svc, err := catalog.Service(uri)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, uri)
			if names := svc.MethodNames(); len(names) > 0 {
				fmt.Fprintf(out, "  methods: %s\n", strings.Join(names, ", "))
			}
			if names := svc.EventNames(); len(names) > 0 {
				fmt.Fprintf(out, "  events:  %s\n", strings.Join(names, ", "))
			}
		}
		return nil
	},
}

var schemaValidateCmd = &cobra.Command{
	Use:   "validate <uri> <method> [json-arg...]",
	Short: "Check call arguments against a method contract",
	Long: `Validate positional arguments for a method and print them with defaults
filled in, exactly as a bound service would receive them.

Example:
  sphere schema validate /protocol/light setLight '{"power": true}'`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "sphere-cli")
		if err != nil {
			return err
		}
		defer a.Shutdown()
		catalog, err := a.Schemas()
		if err != nil {
			return err
		}
		validators, err := catalog.Validators(args[0])
		if err != nil {
			return err
		}
		method := validators.Method(args[1])
		if method == nil {
			return fmt.Errorf("%s has no method %q", args[0], args[1])
		}
		raw := make([]json.RawMessage, 0, len(args)-2)
		for _, v := range parseArgs(args[2:]) {
			b, err := json.Marshal(v)
			if err != nil {
				return err
			}
			raw = append(raw, b)
		}
		params, err := method.Params(raw)
		if err != nil {
			return err
		}
		return printJSON(cmd, params)
	},
}

func init() {
	schemaCmd.AddCommand(schemaListCmd, schemaValidateCmd)
	rootCmd.AddCommand(schemaCmd)
}
