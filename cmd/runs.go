package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-linker/internal/constants"
	"github.com/kozaktomas/face-linker/internal/database"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect analysis runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent runs",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with its parameters and counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd)

	runsListCmd.Flags().Int("limit", constants.DefaultRunListLimit, "Maximum number of runs")
	runsListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	limit := min(mustGetInt(cmd, "limit"), constants.MaxRunListLimit)
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	b, err := openBackend(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer b.Close()

	runs, err := b.store.Runs().ListRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	if jsonOutput {
		return outputJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID, r.Params.Kind, string(r.Status), formatTime(r.StartedAt), fmt.Sprintf("%d ms", r.DurationMs),
			itoa(r.Counts.Videos), itoa(r.Counts.Identities), itoa(r.Counts.Edges), itoa(r.Counts.Persons),
		})
	}
	fmt.Println(renderTable(
		[]string{"ID", "Kind", "Status", "Started", "Duration", "Videos", "Identities", "Edges", "Persons"},
		rows, 4, 5, 6, 7, 8,
	))
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, err := openBackend(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer b.Close()

	run, err := b.store.Runs().GetRun(ctx, args[0])
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %s: %w", args[0], database.ErrNotFound)
	}
	printRun(run)
	return nil
}

func printRun(r *database.AnalysisRun) {
	fmt.Printf("Run %s (%s)\n", r.ID, r.Params.Kind)
	fmt.Printf("Status:     %s\n", r.Status)
	if r.Error != "" {
		fmt.Printf("Error:      %s\n", r.Error)
	}
	fmt.Printf("Started:    %s\n", formatTime(r.StartedAt))
	fmt.Printf("Finished:   %s (%d ms)\n", formatTime(r.FinishedAt), r.DurationMs)
	if len(r.Params.Videos) > 0 {
		fmt.Printf("Videos:     %s\n", strings.Join(r.Params.Videos, ", "))
	}
	fmt.Printf("Thresholds: similarity %.2f, clustering %.2f, merge %.2f\n",
		r.Params.SimilarityThreshold, r.Params.ClusteringThreshold, r.Params.MergeThreshold)
	fmt.Printf("Matching:   k=%d, index=%t\n", r.Params.KNeighbors, r.Params.UseIndex)
	fmt.Println()

	c := r.Counts
	rows := [][]string{
		{"Videos", itoa(c.Videos)},
		{"Detections", itoa(c.Detections)},
		{"Skipped", itoa(c.Skipped)},
		{"Identities", itoa(c.Identities)},
		{"Merged", itoa(c.Merged)},
		{"Comparisons", itoa(c.Comparisons)},
		{"Edges", itoa(c.Edges)},
		{"Persons", itoa(c.Persons)},
		{"Conflicts", itoa(c.Conflicts)},
	}
	fmt.Println(renderTable([]string{"Count", "Value"}, rows, 1))
}
