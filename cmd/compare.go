package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/faceengine/internal/types"
	"github.com/andresmejia3/faceengine/internal/utils"
)

var compareCmd = &cobra.Command{
	Use:   "compare <image_a> <image_b>",
	Short: "Compare the largest faces of two images",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runCompare(cmd.Context(), args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(compareCmd)
}

func runCompare(ctx context.Context, pathA, pathB string) error {
	imgA, imgB := loadImage(pathA), loadImage(pathB)
	svc, err := service()
	if err != nil {
		utils.ShowError("Failed to create engine backend", err, nil)
		return err
	}

	a, err := svc.ExtractFeature(ctx, imgA)
	if err != nil {
		utils.ShowError("Feature extraction failed", err, nil)
		return err
	}
	b, err := svc.ExtractFeature(ctx, imgB)
	if err != nil {
		utils.ShowError("Feature extraction failed", err, nil)
		return err
	}
	sim, err := svc.CompareFeatures(ctx, a, b)
	if err != nil {
		utils.ShowError("Comparison failed", err, nil)
		return err
	}

	if rootOpts.JSON {
		printJSON(types.CompareResult{Similarity: sim})
		return nil
	}
	verdict := "❌ Different people"
	if sim > Cfg.MinSimilarity {
		verdict = "✅ Same person"
	}
	fmt.Printf("%s (similarity %.4f, threshold %.2f)\n", verdict, sim, Cfg.MinSimilarity)
	return nil
}
