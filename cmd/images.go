package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/faceengine/internal/imaging"
	"github.com/andresmejia3/faceengine/internal/library"
	"github.com/andresmejia3/faceengine/internal/recognizer"
	"github.com/andresmejia3/faceengine/internal/store"
	"github.com/andresmejia3/faceengine/internal/utils"
)

// collectImages expands directories into the image files they contain.
func collectImages(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && imaging.IsImageFile(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

// loadImages decodes files concurrently. Images that fail are reported in errs, the rest keep input order.
func loadImages(ctx context.Context, files []string, workers int) (imgs []*imaging.Image, errs []error) {
	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("🖼️  Loading images"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	results := make([]*imaging.Image, len(files))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := imaging.Load(imaging.PathInput(f))
			mu.Lock()
			if err != nil {
				errs = append(errs, err)
			} else {
				results[i] = img
			}
			_ = bar.Add(1)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	for _, img := range results {
		if img != nil {
			imgs = append(imgs, img)
		}
	}
	return imgs, errs
}

// loadImage decodes a single file, dying on failure.
func loadImage(path string) *imaging.Image {
	img, err := imaging.Load(imaging.PathInput(path))
	if err != nil {
		utils.Die("Failed to load image", err, nil)
	}
	return img
}

// loadLibrary fills library key of svc from the database.
func loadLibrary(ctx context.Context, db *store.Store, svc *recognizer.Service, key string) (int, error) {
	recs, err := db.LoadLibrary(ctx, key)
	if err != nil {
		return 0, err
	}
	faces := make([]*library.Face, 0, len(recs))
	for _, r := range recs {
		f, err := svc.NewFace(r.ID, r.Feature, r.Tag)
		if err != nil {
			Log.Sugar().Warnw("skipping stored face", "library", key, "error", err)
			continue
		}
		faces = append(faces, f)
	}
	svc.InitLibrary(key, faces)
	return len(faces), nil
}

// records converts the faces of a library into database records.
func records(lib *library.Library) []store.Record {
	entries := lib.Snapshot(nil)
	recs := make([]store.Record, 0, len(entries))
	for _, e := range entries {
		recs = append(recs, store.Record{ID: e.ID, Feature: e.Face.FeatureBytes(), Tag: e.Face.Tag})
	}
	return recs
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		utils.Die("Failed to encode output", err, nil)
	}
}
