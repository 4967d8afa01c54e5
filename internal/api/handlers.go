package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/andresmejia3/faceengine/internal/imaging"
	"github.com/andresmejia3/faceengine/internal/library"
	"github.com/andresmejia3/faceengine/internal/recognizer"
	"github.com/andresmejia3/faceengine/internal/search"
	"github.com/andresmejia3/faceengine/internal/store"
	"github.com/andresmejia3/faceengine/internal/types"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func (s *Server) image(in *types.ImageInput) (*imaging.Image, error) {
	data := in.Bytes()
	if data == nil {
		return nil, badRequest("payload is not valid base64")
	}
	return s.decode(in.Name, data)
}

func (s *Server) bindImage(c *gin.Context) (*imaging.Image, bool) {
	var in types.ImageInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.fail(c, badRequest("%v", err))
		return nil, false
	}
	img, err := s.image(&in)
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return img, true
}

func (s *Server) detect(c *gin.Context) {
	img, ok := s.bindImage(c)
	if !ok {
		return
	}
	faces, err := s.svc.DetectFaces(c.Request.Context(), img)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, types.DetectResult{Source: img.Source, Faces: faces.Faces})
}

func (s *Server) extract(c *gin.Context) {
	img, ok := s.bindImage(c)
	if !ok {
		return
	}
	features, err := s.svc.ExtractFeatures(c.Request.Context(), img)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, types.FeatureResult{Source: img.Source, Features: features})
}

func (s *Server) compare(c *gin.Context) {
	var req types.CompareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest("%v", err))
		return
	}
	sim, err := s.svc.CompareFeatures(c.Request.Context(), req.A, req.B)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, types.CompareResult{Similarity: sim})
}

func (s *Server) search(c *gin.Context) {
	var req types.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest("%v", err))
		return
	}
	if (req.Image == nil) == (len(req.Feature) == 0) {
		s.fail(c, badRequest("exactly one of image and feature is required"))
		return
	}

	opts := recognizer.SearchOptions{Library: req.Library, MinSimilarity: req.MinSimilarity}
	var (
		recs search.Recognitions
		err  error
	)
	if req.Image != nil {
		var img *imaging.Image
		if img, err = s.image(req.Image); err == nil {
			recs, err = s.svc.SearchImage(c.Request.Context(), img, opts)
		}
	} else {
		recs, err = s.svc.Search(c.Request.Context(), req.Feature, opts)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, types.NewSearchResult(s.svc.Libraries().Get(req.Library).Key(), recs))
}

func (s *Server) listLibrary(c *gin.Context) {
	key := c.Param("key")
	c.JSON(http.StatusOK, types.LibraryResult{Library: key, IDs: s.svc.LibraryIDs(key)})
}

// enroll registers faces given by feature or by image. Without partial, nothing changes unless every
// face is accepted and existing ids are replaced; with it, whatever succeeds is added and existing ids are kept.
func (s *Server) enroll(c *gin.Context) {
	key := c.Param("key")
	var req types.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest("%v", err))
		return
	}
	if len(req.Faces)+len(req.Images) == 0 {
		s.fail(c, badRequest("no faces or images given"))
		return
	}
	ctx := c.Request.Context()
	res := types.EnrollResult{Library: key, Complete: true}

	imgs := make([]*imaging.Image, 0, len(req.Images))
	ids := make([]string, 0, len(req.Faces)+len(req.Images))
	for i := range req.Images {
		img, err := s.image(&req.Images[i])
		if err != nil {
			if !req.Partial {
				s.fail(c, err)
				return
			}
			res.Complete = false
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		imgs = append(imgs, img)
		ids = append(ids, imaging.FaceID(img.Source))
	}

	faces := make([]*library.Face, 0, len(req.Faces))
	for _, in := range req.Faces {
		f, err := s.svc.NewFace(in.ID, in.Feature, in.Tag)
		if err != nil {
			if !req.Partial {
				release(faces)
				s.fail(c, badRequest("%v", err))
				return
			}
			res.Complete = false
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		faces = append(faces, f)
		ids = append(ids, in.ID)
	}

	if req.Partial {
		ok, n := s.svc.TryAddImages(ctx, key, imgs)
		res.Complete = res.Complete && ok
		res.Added += n
		ok, n = s.svc.TryAddFaces(key, faces)
		res.Complete = res.Complete && ok
		res.Added += n
	} else {
		if err := s.svc.AddImages(ctx, key, imgs); err != nil {
			release(faces)
			s.fail(c, err)
			return
		}
		s.svc.AddFaces(key, faces)
		res.Added = len(imgs) + len(faces)
	}

	if err := s.persist(c, key, ids); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) removeFace(c *gin.Context) {
	key, id := c.Param("key"), c.Param("id")
	n := s.svc.RemoveFaces(key, id)
	if s.store != nil {
		deleted, err := s.store.DeleteFaces(c.Request.Context(), key, id)
		if err != nil {
			s.fail(c, err)
			return
		}
		n = max(n, int(deleted))
	}
	if n == 0 {
		c.JSON(http.StatusNotFound, types.ErrorResult{Error: fmt.Sprintf("face %q not found in library %q", id, key)})
		return
	}
	c.Status(http.StatusNoContent)
}

type poolStats struct {
	Mode     string `json:"mode"`
	Live     int    `json:"live"`
	Idle     int    `json:"idle"`
	Capacity int    `json:"capacity"`
}

func (s *Server) stats(c *gin.Context) {
	stats := s.svc.Stats()
	out := make([]poolStats, len(stats))
	for i, st := range stats {
		out[i] = poolStats{Mode: st.Mode.String(), Live: st.Live, Idle: st.Idle, Capacity: st.Capacity}
	}
	c.JSON(http.StatusOK, gin.H{"pools": out, "libraries": s.svc.Libraries().Keys()})
}

// persist saves the faces now registered under ids.
func (s *Server) persist(c *gin.Context, key string, ids []string) error {
	if s.store == nil || len(ids) == 0 {
		return nil
	}
	lib := s.svc.Libraries().Get(key)
	recs := make([]store.Record, 0, len(ids))
	for _, id := range ids {
		if f, ok := lib.Get(id); ok {
			recs = append(recs, store.Record{ID: id, Feature: f.FeatureBytes(), Tag: f.Tag})
		}
	}
	if err := s.store.SaveFaces(c.Request.Context(), lib.Key(), recs); err != nil {
		s.log.Error("failed to persist faces", zap.String("library", key), zap.Error(err))
		return fmt.Errorf("persist library %s: %w", key, err)
	}
	return nil
}

func release(faces []*library.Face) {
	for _, f := range faces {
		f.Release()
	}
}
