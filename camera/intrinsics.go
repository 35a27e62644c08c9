// Package camera holds the pinhole camera model used to move between image
// pixels and 3D camera coordinates at every pyramid scale.
package camera

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is returned when intrinsic parameters are missing.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// Intrinsics holds the parameters of a pinhole projection of a 3D scene
// onto the 2D image plane.
type Intrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields of Intrinsics have valid inputs.
func (params *Intrinsics) CheckValid() error {
	if params == nil {
		return errors.Wrap(ErrNoIntrinsics, "intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return errors.Wrap(ErrNoIntrinsics, fmt.Sprintf("invalid size (%d, %d)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return errors.Wrap(ErrNoIntrinsics, fmt.Sprintf("invalid focal length Fx = %v", params.Fx))
	}
	if params.Fy <= 0 {
		return errors.Wrap(ErrNoIntrinsics, fmt.Sprintf("invalid focal length Fy = %v", params.Fy))
	}
	if params.Ppx < 0 {
		return errors.Wrap(ErrNoIntrinsics, fmt.Sprintf("invalid principal point Ppx = %v", params.Ppx))
	}
	if params.Ppy < 0 {
		return errors.Wrap(ErrNoIntrinsics, fmt.Sprintf("invalid principal point Ppy = %v", params.Ppy))
	}
	return nil
}

// NewIntrinsicsFromJSONFile reads Intrinsics from a JSON file.
func NewIntrinsicsFromJSONFile(jsonPath string) (*Intrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(filepath.Clean(jsonPath))
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	intrinsics := &Intrinsics{}
	if err := json.NewDecoder(jsonFile).Decode(intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing intrinsics")
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return intrinsics, nil
}

// Scaled returns intrinsics rescaled to an image of size width x height,
// e.g. one level of a resolution pyramid. Focal lengths and the principal
// point scale linearly with resolution.
func (params Intrinsics) Scaled(width, height int) Intrinsics {
	sx := float64(width) / float64(params.Width)
	sy := float64(height) / float64(params.Height)
	return Intrinsics{
		Width:  width,
		Height: height,
		Fx:     params.Fx * sx,
		Fy:     params.Fy * sy,
		Ppx:    params.Ppx * sx,
		Ppy:    params.Ppy * sy,
	}
}

// Matrix returns the 3x3 camera matrix K.
func (params *Intrinsics) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		params.Fx, 0, params.Ppx,
		0, params.Fy, params.Ppy,
		0, 0, 1,
	})
}

// InverseMatrix returns K^-1, the matrix mapping homogeneous pixel
// coordinates to normalized camera rays.
func (params *Intrinsics) InverseMatrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1 / params.Fx, 0, -params.Ppx / params.Fx,
		0, 1 / params.Fy, -params.Ppy / params.Fy,
		0, 0, 1,
	})
}

// PixelToRay maps a pixel to the normalized camera ray (x/z, y/z, 1).
func (params *Intrinsics) PixelToRay(x, y float64) (float64, float64, float64) {
	return (x - params.Ppx) / params.Fx, (y - params.Ppy) / params.Fy, 1
}

// PointToPixel projects a 3D camera-frame point onto the image plane
// without rounding. Callers mask invalid (z<=0) projections downstream.
func (params *Intrinsics) PointToPixel(x, y, z float64) (float64, float64) {
	if z == 0 {
		return -1, -1
	}
	return (x/z)*params.Fx + params.Ppx, (y/z)*params.Fy + params.Ppy
}
