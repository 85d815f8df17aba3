package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/calltrace/internal/store"
)

var (
	statsFormat string
	treeThread  string
	treeDepth   int
	treeNoColor bool
)

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(treeCmd)
	statsCmd.Flags().StringVarP(&statsFormat, "format", "f", "text", "Output format (text|json)")
	treeCmd.Flags().StringVar(&treeThread, "thread", "", "Only show this thread")
	treeCmd.Flags().IntVar(&treeDepth, "depth", 0, "Maximum depth to print (0 = unlimited)")
	treeCmd.Flags().BoolVar(&treeNoColor, "no-color", false, "Disable colored output")
}

var statsCmd = &cobra.Command{
	Use:   "stats <db>",
	Short: "Show row counts of a trace database",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <db>",
	Short: "Check a trace database for broken references",
	Long: "Verifies that every trace references a known thread and FQN, that parents\n" +
		"were recorded earlier on the same thread, and that every FQN triple decodes.\n" +
		"Exits 0 if consistent, 1 otherwise.",
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

var treeCmd = &cobra.Command{
	Use:   "tree <db>",
	Short: "Print the recorded call tree",
	Args:  cobra.ExactArgs(1),
	RunE:  runTree,
}

func runStats(cmd *cobra.Command, args []string) error {
	r, err := store.OpenReader(args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	counts, err := r.Counts(cmd.Context())
	if err != nil {
		return err
	}
	if statsFormat == "json" {
		out, _ := json.MarshalIndent(counts, "", "  ")
		fmt.Println(string(out))
		return nil
	}
	fmt.Printf("threads:     %d\n", counts.Threads)
	fmt.Printf("classes:     %d\n", counts.Classes)
	fmt.Printf("methods:     %d\n", counts.Methods)
	fmt.Printf("signatures:  %d\n", counts.Signatures)
	fmt.Printf("fqns:        %d\n", counts.FQNs)
	fmt.Printf("traces:      %d\n", counts.Traces)
	fmt.Printf("sessions:    %d\n", counts.Sessions)
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	r, err := store.OpenReader(args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	problems, err := r.Verify(cmd.Context())
	if err != nil {
		return err
	}
	if len(problems) == 0 {
		fmt.Println("OK: database is consistent")
		return nil
	}
	for _, p := range problems {
		fmt.Fprintf(os.Stderr, "%s\n", p)
	}
	fmt.Fprintf(os.Stderr, "FAILED: %d problems\n", len(problems))
	os.Exit(1)
	return nil
}

func runTree(cmd *cobra.Command, args []string) error {
	r, err := store.OpenReader(args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	rows, err := r.Traces(cmd.Context(), treeThread)
	if err != nil {
		return err
	}
	renderTree(os.Stdout, rows, treeDepth, !treeNoColor)
	return nil
}
