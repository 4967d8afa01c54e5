package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/faceengine/internal/native"
	"github.com/andresmejia3/faceengine/internal/recognizer"
	"github.com/andresmejia3/faceengine/internal/types"
	"github.com/andresmejia3/faceengine/internal/utils"
)

var (
	enrollPartial bool
	enrollReplace bool
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <library> <image_or_dir>...",
	Short: "Register the faces of images in a stored library",
	Long: `Extracts the largest face of every image and stores it in the library under the file name
without extension. By default nothing is stored unless every image yields a face; --partial keeps
whatever succeeded. --replace drops the previous content of the library.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args[0], args[1:])
	},
}

func init() {
	enrollCmd.Flags().BoolVarP(&enrollPartial, "partial", "p", false, "Store the faces that succeeded even if some images fail")
	enrollCmd.Flags().BoolVar(&enrollReplace, "replace", false, "Replace the whole library instead of adding to it")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context, key string, paths []string) error {
	files, err := collectImages(paths)
	if err != nil {
		utils.ShowError("Unable to access input", err, nil)
		return err
	}
	if len(files) == 0 {
		err := errors.New("no jpeg, png or bmp files found")
		utils.ShowError("Nothing to enroll", err, nil)
		return err
	}

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
	if !enrollReplace {
		if _, err := loadLibrary(ctx, db, svc, key); err != nil {
			utils.ShowError("Failed to load library", err, nil)
			return err
		}
	}

	imgs, loadErrs := loadImages(ctx, files, Cfg.CapacityFor(native.ModeImage))
	if len(loadErrs) > 0 && !enrollPartial {
		err := &recognizer.BatchError{Total: len(files), Errors: loadErrs}
		utils.ShowError("Some images could not be loaded", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "🧠 Extracting %d faces...\n", len(imgs))
	res := types.EnrollResult{Library: key}
	for _, e := range loadErrs {
		res.Errors = append(res.Errors, e.Error())
	}
	switch {
	case enrollPartial && enrollReplace:
		res.Complete, res.Added = svc.TryInitLibraryFromImages(ctx, key, imgs)
	case enrollPartial:
		res.Complete, res.Added = svc.TryAddImages(ctx, key, imgs)
	case enrollReplace:
		err = svc.InitLibraryFromImages(ctx, key, imgs)
	default:
		err = svc.AddImages(ctx, key, imgs)
	}
	if err != nil {
		utils.ShowError("Enrollment failed, nothing was stored", err, nil)
		return err
	}
	if !enrollPartial {
		res.Complete, res.Added = true, len(imgs)
	}
	res.Complete = res.Complete && len(loadErrs) == 0

	fmt.Fprintln(os.Stderr, "🗄️  Saving library...")
	recs := records(svc.Libraries().Get(key))
	if enrollReplace {
		err = db.ReplaceLibrary(ctx, key, recs)
	} else {
		err = db.SaveFaces(ctx, key, recs)
	}
	if err != nil {
		utils.ShowError("Failed to save library", err, nil)
		return err
	}

	if rootOpts.JSON {
		printJSON(res)
		return nil
	}
	if res.Complete {
		fmt.Printf("✅ Enrolled %d faces into %s\n", res.Added, key)
	} else {
		fmt.Printf("⚠️  Enrolled %d of %d images into %s\n", res.Added, len(files), key)
	}
	return nil
}
