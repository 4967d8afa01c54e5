package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/faceengine/internal/utils"
)

var labelCmd = &cobra.Command{
	Use:   "label <library> <face_id> <tag>",
	Short: "Attach a tag (e.g. a person's name) to a stored face",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		runLabel(cmd, args[0], args[1], args[2])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(cmd *cobra.Command, key, id, tag string) {
	db, err := connectDB(cmd.Context())
	if err != nil {
		utils.Die("Database unavailable", err, nil)
	}

	ok, err := db.TagFace(cmd.Context(), key, id, tag)
	if err != nil {
		utils.Die("Failed to label face", err, nil)
	}
	if !ok {
		utils.Die("Failed to label face", fmt.Errorf("face %q not found in library %q", id, key), nil)
	}

	fmt.Printf("✅ Face %s in %s labeled as '%s'\n", id, key, tag)
}
