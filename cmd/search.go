package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/faceengine/internal/recognizer"
	"github.com/andresmejia3/faceengine/internal/types"
	"github.com/andresmejia3/faceengine/internal/utils"
)

var searchLibrary string

var searchCmd = &cobra.Command{
	Use:   "search <image_path>",
	Short: "Search a stored face library for the face in an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSearch(cmd.Context(), args[0])
	},
}

func init() {
	searchCmd.Flags().StringVarP(&searchLibrary, "library", "l", "default", "Library to search")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(ctx context.Context, imagePath string) error {
	img := loadImage(imagePath)

	db, err := connectDB(ctx)
	if err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}
	svc, err := service()
	if err != nil {
		utils.ShowError("Failed to create engine backend", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🗄️  Loading library...")
	n, err := loadLibrary(ctx, db, svc, searchLibrary)
	if err != nil {
		utils.ShowError("Failed to load library", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "🔍 Searching %d faces...\n", n)

	recs, err := svc.SearchImage(ctx, img, recognizer.SearchOptions{Library: searchLibrary})
	if err != nil {
		utils.ShowError("Search failed", err, nil)
		return err
	}

	res := types.NewSearchResult(searchLibrary, recs)
	if rootOpts.JSON {
		printJSON(res)
		return nil
	}
	if res.Best == nil {
		fmt.Println("❌ No match found in library.")
		return nil
	}
	fmt.Printf("✅ Found Match: %s (similarity %.3f)\n", res.Best.FaceID, res.Best.Similarity)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nFACE ID\tSIMILARITY")
	fmt.Fprintln(w, "-------\t----------")
	for _, r := range res.Matches {
		fmt.Fprintf(w, "%s\t%.4f\n", r.FaceID, r.Similarity)
	}
	return w.Flush()
}
