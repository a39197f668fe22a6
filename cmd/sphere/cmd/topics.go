package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nfrund/sphere/cmd/sphere/internal/format"
	"github.com/nfrund/sphere/internal/topicmgr"
)

var (
	topicsFormat string
	topicsModule string
	topicsScope  string
)

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Explore the registered topics",
	Long: `List and inspect the topic templates known to this node. Framework topics can
be remapped with the topics section of the configuration.`,
}

var topicsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered topics",
	Long: `List all registered topics with optional filtering by module or scope.

Examples:
  sphere topics list
  sphere topics list --scope framework
  sphere topics list --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "sphere-cli")
		if err != nil {
			return err
		}
		defer a.Shutdown()
		m, err := a.Topics()
		if err != nil {
			return err
		}

		var topics []topicmgr.Topic
		switch {
		case topicsModule != "":
			topics = m.ListByModule(topicsModule)
		case topicsScope != "":
			topics = m.ListByScope(topicmgr.TopicScope(topicsScope))
		default:
			topics = m.List()
		}
		sort.Slice(topics, func(i, j int) bool { return topics[i].Name() < topics[j].Name() })

		switch topicsFormat {
		case "json":
			return format.TopicsJSON(cmd.OutOrStdout(), topics)
		case "table":
			format.TopicsTable(cmd.OutOrStdout(), topics)
			return nil
		default:
			return fmt.Errorf("unsupported format: %s", topicsFormat)
		}
	},
}

var topicsGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show details of one topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "sphere-cli")
		if err != nil {
			return err
		}
		defer a.Shutdown()
		m, err := a.Topics()
		if err != nil {
			return err
		}
		t, ok := m.Get(args[0])
		if !ok {
			return fmt.Errorf("topic %q not found", args[0])
		}
		return format.TopicDetails(cmd.OutOrStdout(), t, topicsFormat)
	},
}

func init() {
	topicsListCmd.Flags().StringVarP(&topicsFormat, "format", "f", "table", "Output format (table, json)")
	topicsListCmd.Flags().StringVarP(&topicsModule, "module", "m", "", "Filter by module name")
	topicsListCmd.Flags().StringVarP(&topicsScope, "scope", "s", "", "Filter by scope (framework, module)")
	topicsGetCmd.Flags().StringVarP(&topicsFormat, "format", "f", "table", "Output format (table, json)")
	topicsCmd.AddCommand(topicsListCmd, topicsGetCmd)
	rootCmd.AddCommand(topicsCmd)
}
