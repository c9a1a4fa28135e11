package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var videosCmd = &cobra.Command{
	Use:   "videos",
	Short: "Inspect and remove analysed videos",
}

var videosListCmd = &cobra.Command{
	Use:   "list",
	Short: "List analysed videos",
	Args:  cobra.NoArgs,
	RunE:  runVideosList,
}

var videosRemoveCmd = &cobra.Command{
	Use:   "remove <video-id>",
	Short: "Remove a video and rebuild the persons it contributed to",
	Args:  cobra.ExactArgs(1),
	RunE:  runVideosRemove,
}

func init() {
	rootCmd.AddCommand(videosCmd)
	videosCmd.AddCommand(videosListCmd, videosRemoveCmd)

	videosListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runVideosList(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	b, err := openBackend(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer b.Close()

	videos, err := b.store.Videos().ListVideos(ctx)
	if err != nil {
		return fmt.Errorf("listing videos: %w", err)
	}
	if jsonOutput {
		return outputJSON(videos)
	}
	if len(videos) == 0 {
		fmt.Println("No videos analysed yet")
		return nil
	}

	rows := make([][]string, 0, len(videos))
	for _, v := range videos {
		rows = append(rows, []string{v.ID, itoa(v.DetectionCount), itoa(v.SkippedCount), itoa(v.IdentityCount), formatTime(v.AnalyzedAt)})
	}
	fmt.Println(renderTable([]string{"Video", "Detections", "Skipped", "Identities", "Analyzed"}, rows, 1, 2, 3))
	return nil
}

func runVideosRemove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, err := openBackend(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer b.Close()

	res, err := b.pipeline.RemoveVideo(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Video %s removed (run %s)\n", args[0], res.Run.ID)
	printClusters(res.Clusters)
	return nil
}
