package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/faceengine/internal/utils"
)

var listCmd = &cobra.Command{
	Use:   "list [library]",
	Short: "List stored face libraries, or the faces of one library",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 1 {
			runListFaces(cmd, args[0])
			return
		}
		runList(cmd)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command) {
	db, err := connectDB(cmd.Context())
	if err != nil {
		utils.Die("Database unavailable", err, nil)
	}
	libs, err := db.ListLibraries(cmd.Context())
	if err != nil {
		utils.Die("Failed to list libraries", err, nil)
	}

	if rootOpts.JSON {
		printJSON(libs)
		return
	}
	if len(libs) == 0 {
		fmt.Println("No libraries found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "LIBRARY\tFACE COUNT")
	fmt.Fprintln(w, "-------\t----------")
	for _, l := range libs {
		fmt.Fprintf(w, "%s\t%d\n", l.Key, l.Faces)
	}
	w.Flush()
}

func runListFaces(cmd *cobra.Command, key string) {
	db, err := connectDB(cmd.Context())
	if err != nil {
		utils.Die("Database unavailable", err, nil)
	}
	recs, err := db.LoadLibrary(cmd.Context(), key)
	if err != nil {
		utils.Die("Failed to load library", err, nil)
	}

	if rootOpts.JSON {
		printJSON(recs)
		return
	}
	if len(recs) == 0 {
		fmt.Printf("No faces found in library %s.\n", key)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tTAG\tFEATURE BYTES\tREGISTERED")
	fmt.Fprintln(w, "--\t---\t-------------\t----------")
	for _, r := range recs {
		tag := "-"
		if r.Tag != nil {
			tag = fmt.Sprint(r.Tag)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.ID, tag, len(r.Feature), r.RegisteredAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
