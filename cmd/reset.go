package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/faceengine/internal/utils"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every stored face library",
	Long:  "Drops the face tables. They are recreated empty the next time a command connects.",
	Run: func(cmd *cobra.Command, args []string) {
		if !resetYes && !confirm(bufio.NewReader(os.Stdin), "⚠️  Are you sure you want to DROP all face libraries?") {
			fmt.Println("Aborted.")
			return
		}

		db, err := connectDB(cmd.Context())
		if err != nil {
			utils.Die("Database unavailable", err, nil)
		}
		fmt.Println("🗑️  Clearing Database...")
		if err := db.Reset(cmd.Context()); err != nil {
			utils.Die("Failed to reset database", err, nil)
		}
		fmt.Println("✨ Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
