// Package native describes the contract between the engine pool and the vendor face engine.
//
// Every primitive takes an opaque Handle created for one Mode and answers with a Code, where
// zero means success and anything else is the engine's own error number, surfaced verbatim.
package native

import (
	"fmt"
)

// Mode selects the configuration profile an engine handle is created with.
type Mode int

const (
	ModeImage Mode = iota
	ModeVideo
	ModeRGB
	ModeIR
)

// Modes lists every mode in pool order.
var Modes = []Mode{ModeImage, ModeVideo, ModeRGB, ModeIR}

func (m Mode) String() string {
	switch m {
	case ModeImage:
		return "image"
	case ModeVideo:
		return "video"
	case ModeRGB:
		return "rgb-liveness"
	case ModeIR:
		return "ir-liveness"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m >= ModeImage && m <= ModeIR
}

// Handle is an engine instance reference issued by a Backend.
// The zero Handle is never a live engine.
type Handle uintptr

// Feature is a backend-owned copy of a face feature, ready for comparison.
// The zero Feature is never a live allocation.
type Feature uintptr

// Code is a native status code. Code(0) is success.
type Code int64

const (
	OK Code = 0
	// AlreadyActivated is returned by Activate when the SDK was activated before.
	AlreadyActivated Code = 90114
	// InvalidParam is what backends answer for handles or features they do not know.
	InvalidParam Code = 2
	// Unsupported is returned for capabilities a backend does not have.
	Unsupported Code = 3
	// NoFace is what backends answer when extraction finds no face.
	NoFace Code = 81925
)

func (c Code) Error() string {
	return fmt.Sprintf("native engine error code %d", int64(c))
}

// Err converts a status into an error, nil on success.
func (c Code) Err() error {
	if c == OK {
		return nil
	}
	return c
}

// DetectMode is the low level detection strategy.
type DetectMode uint32

const (
	DetectVideo DetectMode = 0x00000000
	DetectImage DetectMode = 0xFFFFFFFF
)

// OrientPriority is the face orientation the detector favours.
type OrientPriority int

const (
	Orient0Only      OrientPriority = 0x1
	Orient90Only     OrientPriority = 0x2
	Orient270Only    OrientPriority = 0x3
	Orient180Only    OrientPriority = 0x4
	Orient0HigherExt OrientPriority = 0x5
)

// Mask is the capability mask an engine is created with.
type Mask uint32

const (
	MaskDetect      Mask = 0x00000001
	MaskRecognition Mask = 0x00000004
	MaskAge         Mask = 0x00000008
	MaskGender      Mask = 0x00000010
	Mask3DAngle     Mask = 0x00000020
	MaskLiveness    Mask = 0x00000080
	MaskIRLiveness  Mask = 0x00000400
)

// Has reports whether every bit of o is set in m.
func (m Mask) Has(o Mask) bool {
	return m&o == o
}

// EngineConfig is what a handle is initialised with.
type EngineConfig struct {
	DetectMode DetectMode     `msgpack:"detect_mode"`
	Orient     OrientPriority `msgpack:"orient"`
	Scale      int            `msgpack:"scale"`
	MaxFaces   int            `msgpack:"max_faces"`
	Mask       Mask           `msgpack:"mask"`
}

// PixelFormat of an ImageInfo buffer.
type PixelFormat uint32

const (
	PixelBGR24 PixelFormat = 0x201
	PixelGray  PixelFormat = 0x701
)

// ImageInfo is a verified, normalized image ready for the engine.
type ImageInfo struct {
	Pixels  []byte
	Width   int
	Height  int
	Format  PixelFormat
	Encoded []byte // JPEG of the normalized image, for backends that decode themselves
}

// Rect is a face bounding box in pixels.
type Rect struct {
	Left, Top, Right, Bottom int
}

// Area of the rectangle, zero when degenerate.
func (r Rect) Area() int {
	w, h := r.Right-r.Left, r.Bottom-r.Top
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// FaceInfo is a single detected face.
type FaceInfo struct {
	Rect   Rect `json:"rect" msgpack:"rect"`
	Orient int  `json:"orient" msgpack:"orient"`
}

// MultiFaceInfo is a detection result.
type MultiFaceInfo struct {
	Faces []FaceInfo `json:"faces" msgpack:"faces"`
}

// Largest returns the index of the face with the biggest box, -1 when empty.
func (m MultiFaceInfo) Largest() int {
	best, area := -1, -1
	for i, f := range m.Faces {
		if a := f.Rect.Area(); a > area {
			best, area = i, a
		}
	}
	return best
}

// Angle3D is the head pose of one face. Status 0 means the estimate is valid.
type Angle3D struct {
	Roll   float32 `json:"roll" msgpack:"roll"`
	Yaw    float32 `json:"yaw" msgpack:"yaw"`
	Pitch  float32 `json:"pitch" msgpack:"pitch"`
	Status int     `json:"status" msgpack:"status"`
}

// Attributes of the faces passed to ProcessAttributes, index aligned with them.
type Attributes struct {
	Ages    []int     `json:"ages" msgpack:"ages"`
	Genders []int     `json:"genders" msgpack:"genders"` // 0 male, 1 female, -1 unknown
	Angles  []Angle3D `json:"angles" msgpack:"angles"`
}

// LivenessKind picks between RGB and IR liveness.
type LivenessKind int

const (
	LivenessRGB LivenessKind = iota
	LivenessIR
)

// Liveness holds one verdict per face: 1 live, 0 spoof, -1 unknown, below -1 engine specific.
type Liveness struct {
	Values []int `json:"values" msgpack:"values"`
}

// Backend is the vendor engine. Implementations must allow concurrent calls on different
// handles; a single handle is only ever used by one goroutine at a time.
type Backend interface {
	Activate(appID, sdkKey string) Code
	Init(cfg EngineConfig) (Handle, Code)
	Uninit(h Handle) Code

	NewFeature(b []byte) (Feature, Code)
	FreeFeature(f Feature)

	Detect(h Handle, img *ImageInfo) (MultiFaceInfo, Code)
	ExtractFeature(h Handle, img *ImageInfo, face FaceInfo) ([]byte, Code)
	Compare(h Handle, a, b Feature) (float32, Code)

	// ProcessAttributes runs the mask's attribute models for faces; results are read with
	// Attributes or Liveness on the same handle before it is released.
	ProcessAttributes(h Handle, img *ImageInfo, faces MultiFaceInfo, mask Mask) Code
	Attributes(h Handle) (Attributes, Code)
	Liveness(h Handle, kind LivenessKind) (Liveness, Code)
}
