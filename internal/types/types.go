// Package types holds the JSON bodies shared by the HTTP API and the CLI's --json output.
package types

import (
	"encoding/base64"

	"github.com/andresmejia3/faceengine/internal/native"
	"github.com/andresmejia3/faceengine/internal/search"
)

// ImageInput carries one base64 encoded image.
type ImageInput struct {
	Name    string `json:"name"`
	Payload string `json:"payload" binding:"required"`
}

// Bytes decodes the payload, nil when it is not valid base64.
func (i *ImageInput) Bytes() []byte {
	data, err := base64.StdEncoding.DecodeString(i.Payload)
	if err != nil {
		return nil
	}
	return data
}

// CompareRequest compares two features.
type CompareRequest struct {
	A []byte `json:"a" binding:"required"`
	B []byte `json:"b" binding:"required"`
}

// SearchRequest searches a library with either an image or a feature.
type SearchRequest struct {
	Library       string      `json:"library"`
	Image         *ImageInput `json:"image"`
	Feature       []byte      `json:"feature"`
	MinSimilarity *float32    `json:"min_similarity"`
}

// EnrollRequest registers faces in a library. Features are used as is; images go through extraction
// and are registered under their name.
type EnrollRequest struct {
	Faces   []FaceInput  `json:"faces"`
	Images  []ImageInput `json:"images"`
	Partial bool         `json:"partial"`
}

// FaceInput is a face given by its feature.
type FaceInput struct {
	ID      string `json:"id" binding:"required"`
	Feature []byte `json:"feature" binding:"required"`
	Tag     any    `json:"tag"`
}

// DetectResult lists the faces found in one image.
type DetectResult struct {
	Source string            `json:"source"`
	Faces  []native.FaceInfo `json:"faces"`
}

// FeatureResult holds the features extracted from one image, in detection order.
type FeatureResult struct {
	Source   string   `json:"source"`
	Features [][]byte `json:"features"`
}

// CompareResult is the similarity of two faces.
type CompareResult struct {
	Similarity float32 `json:"similarity"`
}

// SearchResult lists every face above the threshold, best first.
type SearchResult struct {
	Library string               `json:"library"`
	Best    *search.Recognition  `json:"best,omitempty"`
	Matches []search.Recognition `json:"matches"`
}

// NewSearchResult orders recs and picks the best one.
func NewSearchResult(library string, recs search.Recognitions) SearchResult {
	res := SearchResult{Library: library, Matches: recs.Sorted()}
	if best, ok := recs.Best(); ok {
		res.Best = &best
	}
	return res
}

// EnrollResult reports how many faces a library accepted.
type EnrollResult struct {
	Library  string   `json:"library"`
	Complete bool     `json:"complete"`
	Added    int      `json:"added"`
	Errors   []string `json:"errors,omitempty"`
}

// LibraryResult lists the ids of a library.
type LibraryResult struct {
	Library string   `json:"library"`
	IDs     []string `json:"ids"`
}

// ErrorResult captures the error returned on failure.
type ErrorResult struct {
	Error string `json:"error"`
}
