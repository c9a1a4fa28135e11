package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-linker/internal/pipeline"
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Re-run cross-video matching over stored faces",
	Long: `Compare stored video identities across videos and replace the stored match
edges of the selected videos. Without --videos every video is matched.

Examples:
  face-linker match
  face-linker match --videos clip01 --index`,
	RunE: runMatch,
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Rebuild person clusters from stored match edges",
	Long: `Rebuild the person clusters touching the selected videos from the stored
edges. Persons with identical membership keep their ID and name. Without
--videos every person is rebuilt.

Examples:
  face-linker cluster
  face-linker cluster --videos clip01,clip02`,
	RunE: runCluster,
}

func init() {
	rootCmd.AddCommand(matchCmd)
	rootCmd.AddCommand(clusterCmd)

	for _, c := range []*cobra.Command{matchCmd, clusterCmd} {
		c.Flags().StringSlice("videos", nil, "Restrict to these videos")
		c.Flags().Bool("dry-run", false, "Compute results without writing to the database")
		c.Flags().Bool("json", false, "Output as JSON")
		addThresholdFlags(c)
	}
	matchCmd.Flags().Bool("index", false, "Use the approximate HNSW index")
}

func runMatch(cmd *cobra.Command, args []string) error {
	return runStoredStage(cmd, func(ctx context.Context, p *pipeline.Pipeline, opts pipeline.Options) (*pipeline.Result, error) {
		opts.UseIndex = mustGetBool(cmd, "index")
		return p.Match(ctx, opts)
	})
}

func runCluster(cmd *cobra.Command, args []string) error {
	return runStoredStage(cmd, func(ctx context.Context, p *pipeline.Pipeline, opts pipeline.Options) (*pipeline.Result, error) {
		return p.Cluster(ctx, opts)
	})
}

type storedStage func(ctx context.Context, p *pipeline.Pipeline, opts pipeline.Options) (*pipeline.Result, error)

func runStoredStage(cmd *cobra.Command, stage storedStage) error {
	jsonOutput := mustGetBool(cmd, "json")
	opts := pipeline.Options{
		Videos: mustGetStringSlice(cmd, "videos"),
		DryRun: mustGetBool(cmd, "dry-run"),
	}

	ctx := context.Background()
	b, err := openBackend(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer b.Close()

	res, err := stage(ctx, b.pipeline, opts)
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(res)
	}

	if res.Run.ID != "" {
		fmt.Printf("Run %s (%s, %d ms)\n", res.Run.ID, res.Run.Status, res.Run.DurationMs)
	}
	fmt.Printf("Identities: %d in %d videos\n", res.Run.Counts.Identities, res.Run.Counts.Videos)
	if res.Match != nil {
		fmt.Printf("Matching (%s): %d comparisons, %d edges\n", res.MatchMethod, res.Match.Comparisons, len(res.Match.Edges))
	}
	if res.Clusters != nil {
		printClusters(res.Clusters)
	}
	return nil
}
