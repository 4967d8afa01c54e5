package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/faceengine/internal/types"
	"github.com/andresmejia3/faceengine/internal/utils"
)

var detectCmd = &cobra.Command{
	Use:   "detect <image_path>...",
	Short: "List the faces found in images",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDetect(cmd.Context(), args)
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
}

func runDetect(ctx context.Context, paths []string) error {
	svc, err := service()
	if err != nil {
		utils.ShowError("Failed to create engine backend", err, nil)
		return err
	}

	results := make([]types.DetectResult, 0, len(paths))
	for _, p := range paths {
		img := loadImage(p)
		faces, err := svc.DetectFaces(ctx, img)
		if err != nil {
			utils.ShowError("Detection failed", err, nil)
			return err
		}
		results = append(results, types.DetectResult{Source: img.Source, Faces: faces.Faces})
	}

	if rootOpts.JSON {
		printJSON(results)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "IMAGE\tFACE\tBOX (L,T,R,B)\tORIENT")
	fmt.Fprintln(w, "-----\t----\t-------------\t------")
	for _, r := range results {
		if len(r.Faces) == 0 {
			fmt.Fprintf(w, "%s\t-\tno face\t-\n", r.Source)
		}
		for i, f := range r.Faces {
			fmt.Fprintf(w, "%s\t%d\t%d,%d,%d,%d\t%d\n", r.Source, i, f.Rect.Left, f.Rect.Top, f.Rect.Right, f.Rect.Bottom, f.Orient)
		}
	}
	return w.Flush()
}
