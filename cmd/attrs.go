package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/faceengine/internal/native"
	"github.com/andresmejia3/faceengine/internal/recognizer"
	"github.com/andresmejia3/faceengine/internal/utils"
)

var attrsLiveness string

var attrsCmd = &cobra.Command{
	Use:   "attrs <image_path>",
	Short: "Estimate age, gender, head pose and liveness of the faces in an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAttrs(cmd.Context(), args[0])
	},
}

func init() {
	attrsCmd.Flags().StringVar(&attrsLiveness, "liveness", "", "Also check liveness: rgb or ir")
	rootCmd.AddCommand(attrsCmd)
}

type attrsResult struct {
	Source   string                      `json:"source"`
	Faces    []recognizer.FaceAttributes `json:"faces"`
	Liveness *native.Liveness            `json:"liveness,omitempty"`
}

func runAttrs(ctx context.Context, imagePath string) error {
	var kind native.LivenessKind
	switch attrsLiveness {
	case "", "rgb":
		kind = native.LivenessRGB
	case "ir":
		kind = native.LivenessIR
	default:
		err := fmt.Errorf("must be rgb or ir, got %q", attrsLiveness)
		utils.ShowError("Invalid liveness kind", err, nil)
		return err
	}

	img := loadImage(imagePath)
	svc, err := service()
	if err != nil {
		utils.ShowError("Failed to create engine backend", err, nil)
		return err
	}

	res := attrsResult{Source: img.Source}
	if res.Faces, err = svc.Attributes(ctx, img); err != nil {
		utils.ShowError("Attribute estimation failed", err, nil)
		return err
	}
	if attrsLiveness != "" {
		live, err := svc.Liveness(ctx, img, kind)
		if err != nil {
			utils.ShowError("Liveness check failed", err, nil)
			return err
		}
		res.Liveness = &live
	}

	if rootOpts.JSON {
		printJSON(res)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tAGE\tGENDER\tYAW\tPITCH\tROLL\tLIVE")
	fmt.Fprintln(w, "----\t---\t------\t---\t-----\t----\t----")
	for i, f := range res.Faces {
		live := "-"
		if res.Liveness != nil && i < len(res.Liveness.Values) {
			live = livenessLabel(res.Liveness.Values[i])
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%.1f\t%.1f\t%.1f\t%s\n",
			i, f.Age, genderLabel(f.Gender), f.Angle.Yaw, f.Angle.Pitch, f.Angle.Roll, live)
	}
	return w.Flush()
}

func genderLabel(g int) string {
	switch g {
	case 0:
		return "male"
	case 1:
		return "female"
	default:
		return "unknown"
	}
}

func livenessLabel(v int) string {
	switch v {
	case 1:
		return "live"
	case 0:
		return "spoof"
	case -1:
		return "unknown"
	default:
		return fmt.Sprintf("error(%d)", v)
	}
}
