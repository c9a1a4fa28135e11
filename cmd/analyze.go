package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-linker/internal/constants"
	"github.com/kozaktomas/face-linker/internal/identity"
	"github.com/kozaktomas/face-linker/internal/pipeline"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze a detection dump and link its faces into persons",
	Long: `Cluster the detections of every video into video identities, recognise
them against known persons, store them, match them across videos and rebuild
the affected person clusters.

The input is a JSON array of videos, each with its detections:
  [{"video_id": "clip01", "detections": [{"frame_index": 0, "embedding": [...]}]}]

Examples:
  # Analyze every video of a dump
  face-linker analyze --input detections.json

  # Analyze two videos only, using the approximate index for matching
  face-linker analyze --input detections.json --videos clip01,clip02 --index

  # Preview results without a database
  face-linker analyze --input detections.json --dry-run --json`,
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().String("input", "", "Detection dump to analyze (- for stdin)")
	analyzeCmd.Flags().StringSlice("videos", nil, "Analyze only these videos of the dump")
	analyzeCmd.Flags().Bool("index", false, "Use the approximate HNSW index for cross-video matching")
	analyzeCmd.Flags().Bool("dry-run", false, "Compute results without writing to the database")
	analyzeCmd.Flags().Bool("json", false, "Output as JSON")
	addThresholdFlags(analyzeCmd)
	_ = analyzeCmd.MarkFlagRequired("input")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	input := mustGetString(cmd, "input")
	videos := mustGetStringSlice(cmd, "videos")
	useIndex := mustGetBool(cmd, "index")
	dryRun := mustGetBool(cmd, "dry-run")
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()

	byVideo, err := readDetections(input, jsonOutput)
	if err != nil {
		return err
	}

	b, err := openBackend(ctx, cmd, !dryRun)
	if err != nil {
		return err
	}
	defer b.Close()

	opts := pipeline.Options{Videos: videos, UseIndex: useIndex, DryRun: dryRun}
	if !jsonOutput && !opts.DryRun {
		total := len(videos)
		if total == 0 {
			total = len(byVideo)
		}
		bar := progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Storing videos"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionSetWidth(constants.ProgressBarWidth),
		)
		opts.OnVideoStored = func(string) { _ = bar.Add(1) }
		defer func() { _ = bar.Finish() }()
	}

	res, err := b.pipeline.Analyze(ctx, byVideo, opts)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoValidVideos) {
			return fmt.Errorf("%w: every detection was skipped, check the embedding dimension", err)
		}
		return err
	}

	if jsonOutput {
		return outputJSON(res)
	}
	printAnalyzeResult(res)
	return nil
}

// readDetections decodes a detection dump, showing read progress for files.
func readDetections(path string, quiet bool) (map[string][]identity.RawDetection, error) {
	if path == "-" {
		return pipeline.DecodeDetections(os.Stdin)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if !quiet {
		if info, err := f.Stat(); err == nil {
			bar := progressbar.DefaultBytes(info.Size(), "Reading detections")
			defer func() { _ = bar.Finish() }()
			r = io.TeeReader(f, bar)
		}
	}
	return pipeline.DecodeDetections(r)
}

func printAnalyzeResult(res *pipeline.Result) {
	fmt.Println()
	if res.Run.ID != "" {
		fmt.Printf("Run %s (%s, %d ms)\n", res.Run.ID, res.Run.Status, res.Run.DurationMs)
	} else {
		fmt.Println("Dry run, nothing stored")
	}

	rows := make([][]string, 0, len(res.Videos))
	for _, v := range res.Videos {
		rows = append(rows, []string{v.VideoID, itoa(v.Detections), itoa(len(v.Skipped)), itoa(v.Identities), itoa(v.Merged)})
	}
	fmt.Println(renderTable([]string{"Video", "Detections", "Skipped", "Identities", "Merged"}, rows, 1, 2, 3, 4))

	counts := map[string]int{}
	for _, rec := range res.Recognitions {
		counts[rec.Status]++
	}
	fmt.Printf("\nRecognised: %d registered, %d tracked, %d new\n",
		counts[pipeline.StatusRegistered], counts[pipeline.StatusTracked], counts[pipeline.StatusNew])
	if res.Match != nil {
		fmt.Printf("Matching (%s): %d comparisons, %d edges\n", res.MatchMethod, res.Match.Comparisons, len(res.Match.Edges))
	}
	if res.Clusters != nil {
		printClusters(res.Clusters)
	}
}

func printClusters(c *identity.ClusterResult) {
	persons := c.Persons()
	fmt.Printf("Persons: %d (%d created, %d extended, %d discarded)\n",
		len(persons), len(c.Created), len(c.Extended), len(c.Discarded))
	for _, conflict := range c.Conflicts {
		fmt.Printf("  Conflict: %v bridges %v, assigned to %s\n", conflict.Members, conflict.Persons, conflict.Assigned)
	}
	if len(persons) > 0 {
		fmt.Println(personsTable(persons))
	}
}
