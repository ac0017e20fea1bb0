// Package mesh extracts manufacturing features from 3D geometry payloads.
//
// Supported formats: binary STL, ASCII STL, Wavefront OBJ, and 3MF. The
// extractor produces the feature set consumed by print-time predictors:
// volume (mm³), surface area (mm²), bounding-box dimensions, triangle count,
// support percentage, and a complexity score. Derived layer count depends on
// the requested layer height and is computed per request.
//
// Empty or structurally invalid payloads fail with MalformedGeometry;
// payloads over the configured cap fail with InputTooLarge before parsing.
package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/foresight-io/foresight/internal/model"
)

const (
	// overhangCos is cos(135°): a facet counts as needing support when its
	// normal points below the 45° overhang threshold.
	overhangCos = -0.7071067811865476

	// minTriangles is the smallest closed surface (a tetrahedron).
	minTriangles = 4
)

type (
	// Format identifies the detected geometry encoding.
	Format string

	// Dimensions are axis-aligned bounding-box extents in millimeters.
	Dimensions struct {
		X float64
		Y float64
		Z float64
	}

	// Features is the extracted manufacturing feature set for one mesh.
	Features struct {
		// Format is the detected encoding.
		Format Format

		// VolumeMM3 is the enclosed volume in cubic millimeters.
		VolumeMM3 float64

		// SurfaceAreaMM2 is the total facet area in square millimeters.
		SurfaceAreaMM2 float64

		// BBox is the axis-aligned bounding box.
		BBox Dimensions

		// TriangleCount is the number of facets.
		TriangleCount int

		// SupportPercent is the share of surface area facing downward more
		// steeply than the 45° overhang threshold, in [0,100].
		SupportPercent float64

		// ComplexityScore grades geometric complexity on a 0–10 scale from
		// sphericity and facet count. Deterministic for identical meshes.
		ComplexityScore float64
	}

	triangle struct {
		v0, v1, v2 r3.Vec
	}
)

const (
	// FormatSTLBinary is little-endian binary STL.
	FormatSTLBinary Format = "stl-binary"

	// FormatSTLASCII is text STL ("solid ... endsolid").
	FormatSTLASCII Format = "stl-ascii"

	// FormatOBJ is Wavefront OBJ.
	FormatOBJ Format = "obj"

	// Format3MF is the 3D Manufacturing Format container.
	Format3MF Format = "3mf"
)

// Extract parses a geometry payload and computes its manufacturing features.
//
// maxBytes caps the accepted payload size; zero or negative disables the cap.
// The cap is enforced before any parsing work.
func Extract(data []byte, maxBytes int64) (*Features, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: geometry payload is %d bytes, cap is %d", model.ErrInputTooLarge, len(data), maxBytes)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty geometry payload", model.ErrMalformedGeometry)
	}

	format, err := DetectFormat(data)
	if err != nil {
		return nil, err
	}

	var triangles []triangle

	switch format {
	case FormatSTLBinary:
		triangles, err = parseBinarySTL(data)
	case FormatSTLASCII:
		triangles, err = parseASCIISTL(data)
	case FormatOBJ:
		triangles, err = parseOBJ(data)
	case Format3MF:
		triangles, err = parse3MF(data)
	}

	if err != nil {
		return nil, err
	}

	return computeFeatures(format, triangles)
}

// LayerCount derives the print layer count for a mesh height.
//
// Formula: ceil(heightMM / layerHeightMM).
func LayerCount(heightMM, layerHeightMM float64) (int, error) {
	if layerHeightMM <= 0 {
		return 0, fmt.Errorf("%w: layer height must be positive, got %g", model.ErrValidation, layerHeightMM)
	}

	if heightMM < 0 {
		return 0, fmt.Errorf("%w: negative mesh height %g", model.ErrValidation, heightMM)
	}

	return int(math.Ceil(heightMM / layerHeightMM)), nil
}

// Map returns the features as named predictor inputs.
func (f *Features) Map() map[string]float64 {
	return map[string]float64{
		"volume_mm3":       f.VolumeMM3,
		"surface_area_mm2": f.SurfaceAreaMM2,
		"bbox_x_mm":        f.BBox.X,
		"bbox_y_mm":        f.BBox.Y,
		"bbox_z_mm":        f.BBox.Z,
		"triangle_count":   float64(f.TriangleCount),
		"support_percent":  f.SupportPercent,
		"complexity_score": f.ComplexityScore,
	}
}

// DetectFormat sniffs the geometry encoding from payload bytes.
func DetectFormat(data []byte) (Format, error) {
	if len(data) >= 4 && data[0] == 'P' && data[1] == 'K' && data[2] == 0x03 && data[3] == 0x04 {
		return Format3MF, nil
	}

	if isBinarySTL(data) {
		return FormatSTLBinary, nil
	}

	if isASCIISTL(data) {
		return FormatSTLASCII, nil
	}

	if looksLikeOBJ(data) {
		return FormatOBJ, nil
	}

	return "", fmt.Errorf("%w: unrecognized geometry format", model.ErrMalformedGeometry)
}

func computeFeatures(format Format, triangles []triangle) (*Features, error) {
	if len(triangles) < minTriangles {
		return nil, fmt.Errorf("%w: %d facets cannot form a closed surface", model.ErrMalformedGeometry, len(triangles))
	}

	var (
		signedVolume float64
		area         float64
		supportArea  float64
	)

	minV := r3.Vec{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	maxV := r3.Vec{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}

	for _, t := range triangles {
		// Divergence theorem: volume accumulates signed tetrahedra to origin.
		signedVolume += r3.Dot(t.v0, r3.Cross(t.v1, t.v2)) / 6

		cross := r3.Cross(r3.Sub(t.v1, t.v0), r3.Sub(t.v2, t.v0))
		facetArea := r3.Norm(cross) / 2
		area += facetArea

		if facetArea > 0 {
			normalZ := cross.Z / r3.Norm(cross)
			if normalZ < overhangCos {
				supportArea += facetArea
			}
		}

		for _, v := range []r3.Vec{t.v0, t.v1, t.v2} {
			minV.X = math.Min(minV.X, v.X)
			minV.Y = math.Min(minV.Y, v.Y)
			minV.Z = math.Min(minV.Z, v.Z)
			maxV.X = math.Max(maxV.X, v.X)
			maxV.Y = math.Max(maxV.Y, v.Y)
			maxV.Z = math.Max(maxV.Z, v.Z)
		}
	}

	volume := math.Abs(signedVolume)
	if area <= 0 || volume <= 0 {
		return nil, fmt.Errorf("%w: degenerate mesh (area=%g, volume=%g)", model.ErrMalformedGeometry, area, volume)
	}

	supportPercent := supportArea / area * 100

	return &Features{
		Format:          format,
		VolumeMM3:       volume,
		SurfaceAreaMM2:  area,
		BBox:            Dimensions{X: maxV.X - minV.X, Y: maxV.Y - minV.Y, Z: maxV.Z - minV.Z},
		TriangleCount:   len(triangles),
		SupportPercent:  supportPercent,
		ComplexityScore: complexityScore(volume, area, len(triangles)),
	}, nil
}

// complexityScore grades a mesh on a 0–10 scale. Sphericity compares the mesh
// to the most compact possible shape of equal volume; facet count adds a
// resolution term. A cube scores low, an organic lattice scores high.
func complexityScore(volume, area float64, triangles int) float64 {
	sphericity := math.Pow(math.Pi, 1.0/3.0) * math.Pow(6*volume, 2.0/3.0) / area
	if sphericity > 1 {
		sphericity = 1
	}

	facetTerm := math.Log10(float64(triangles)) / 5
	if facetTerm > 1 {
		facetTerm = 1
	}

	score := (0.6*(1-sphericity) + 0.4*facetTerm) * 10

	return math.Round(score*100) / 100
}
