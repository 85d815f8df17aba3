package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/calltrace/internal/filter"
)

var filterFile string

func init() {
	rootCmd.AddCommand(filterCmd)
	filterCmd.AddCommand(filterCheckCmd)
	filterCheckCmd.Flags().StringVar(&filterFile, "filters", "", "Path to filter file (required)")
	filterCheckCmd.MarkFlagRequired("filters")
}

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Class filter operations",
}

var filterCheckCmd = &cobra.Command{
	Use:   "check <class>...",
	Short: "Show whether classes would be recorded",
	Long:  "Evaluates each class name against the allow and deny lists.\nThe allow list wins when both match.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFilterCheck,
}

func runFilterCheck(cmd *cobra.Command, args []string) error {
	lists, err := filter.Load(filterFile)
	if err != nil {
		return err
	}
	engine, err := filter.New(lists)
	if err != nil {
		return err
	}
	for _, class := range args {
		decision := "recorded"
		if engine.IsExcluded(class) {
			decision = "excluded"
		}
		fmt.Printf("%-9s %s\n", decision, class)
	}
	return nil
}
