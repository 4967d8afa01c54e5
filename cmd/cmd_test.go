package cmd

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/faceengine/internal/config"
	"github.com/andresmejia3/faceengine/internal/library"
	"github.com/andresmejia3/faceengine/internal/native/nativetest"
	"github.com/andresmejia3/faceengine/internal/utils"
)

func TestCollectImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.jpg", "b.PNG", "notes.txt", "sub/c.bmp"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}

	files, err := collectImages([]string{dir, filepath.Join(dir, "notes.txt")})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "a.jpg"),
		filepath.Join(dir, "b.PNG"),
		filepath.Join(dir, "sub", "c.bmp"),
		filepath.Join(dir, "notes.txt"), // explicit files are kept as given
	}, files)

	_, err = collectImages([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestDatabaseURL(t *testing.T) {
	oldOpts, oldCfg := rootOpts, Cfg
	t.Cleanup(func() { rootOpts, Cfg = oldOpts, oldCfg })

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "faces")
	t.Setenv("POSTGRES_PORT", "")

	rootOpts, Cfg = Options{}, config.Default()
	assert.Equal(t, "postgres://u:p@db:5432/faces", databaseURL())

	Cfg.Database = "postgres://cfg/faces"
	assert.Equal(t, "postgres://cfg/faces", databaseURL())

	rootOpts.DatabaseURL = "postgres://flag/faces"
	assert.Equal(t, "postgres://flag/faces", databaseURL())

	rootOpts, Cfg = Options{}, config.Default()
	t.Setenv("POSTGRES_HOST", "")
	assert.Equal(t, "postgres://localhost:5432/faceengine", databaseURL())
}

func TestRecords(t *testing.T) {
	b := nativetest.New()
	lib := library.New().Get("staff")
	var faces []*library.Face
	for _, id := range []string{"b", "a"} {
		f, err := library.NewFace(b, id, utils.EncodeFeature([]float32{1, 2}), id+".jpg")
		require.NoError(t, err)
		faces = append(faces, f)
	}
	lib.Init(faces)
	t.Cleanup(lib.Clear)

	recs := records(lib)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "a.jpg", recs[0].Tag)
	assert.Equal(t, utils.EncodeFeature([]float32{1, 2}), recs[1].Feature)
}

func TestConfirm(t *testing.T) {
	for input, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false, "": false} {
		assert.Equal(t, want, confirm(bufio.NewReader(strings.NewReader(input)), "sure?"), "input %q", input)
	}
}

func TestLabels(t *testing.T) {
	assert.Equal(t, "male", genderLabel(0))
	assert.Equal(t, "female", genderLabel(1))
	assert.Equal(t, "unknown", genderLabel(-1))
	assert.Equal(t, "live", livenessLabel(1))
	assert.Equal(t, "spoof", livenessLabel(0))
	assert.Equal(t, "unknown", livenessLabel(-1))
	assert.Equal(t, "error(-2)", livenessLabel(-2))
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"attrs", "compare", "detect", "enroll", "label", "list", "remove", "reset", "search", "serve"}
	var got []string
	for _, c := range rootCmd.Commands() {
		if c.Name() != "help" && c.Name() != "completion" {
			got = append(got, c.Name())
		}
	}
	assert.Subset(t, got, want)
}
