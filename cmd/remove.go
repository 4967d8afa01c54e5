package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/faceengine/internal/utils"
)

var removeCmd = &cobra.Command{
	Use:   "remove <library> <face_id>...",
	Short: "Remove faces from a stored library",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		db, err := connectDB(cmd.Context())
		if err != nil {
			utils.Die("Database unavailable", err, nil)
		}
		n, err := db.DeleteFaces(cmd.Context(), args[0], args[1:]...)
		if err != nil {
			utils.Die("Failed to remove faces", err, nil)
		}
		if n == 0 {
			fmt.Println("❌ None of the given faces were in the library.")
			return
		}
		fmt.Printf("🗑️  Removed %d of %d faces from %s\n", n, len(args)-1, args[0])
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}
