package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/daemon"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/ffmpeg"
)

// detectCmd represents the detect command.
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect FFmpeg and host capabilities",
	Long: `Detect the FFmpeg installation, the selected video encoder and host
resources, and print them as JSON. This is the descriptor the worker sends
when it registers.

Examples:
  downloadarr-worker detect
  downloadarr-worker detect --pretty`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().Bool("pretty", false, "pretty-print JSON output")
	detectCmd.Flags().Duration("timeout", 30*time.Second, "detection timeout")
}

// DetectionResult contains the full detection output.
type DetectionResult struct {
	FFmpeg       *ffmpeg.BinaryInfo  `json:"ffmpeg"`
	Capabilities daemon.Capabilities `json:"capabilities"`
}

func runDetect(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	pretty, _ := cmd.Flags().GetBool("pretty")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	binary, err := ffmpeg.DetectBinaries(ctx, cfg.FFmpeg)
	if err != nil {
		return fmt.Errorf("detecting ffmpeg: %w", err)
	}
	selection := ffmpeg.NewHWAccelDetector(binary.FFmpegPath).Select(ctx, cfg.FFmpeg)

	result := DetectionResult{
		FFmpeg:       binary,
		Capabilities: daemon.DetectCapabilities(ctx, cfg.Worker.WorkDir, binary, selection, cfg.Worker.MaxJobs),
	}

	encoder := json.NewEncoder(os.Stdout)
	if pretty {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(result)
}
