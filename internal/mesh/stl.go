package mesh

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/foresight-io/foresight/internal/model"
)

const (
	stlHeaderSize   = 80
	stlCountSize    = 4
	stlTriangleSize = 50 // 12 float32 + uint16 attribute
)

// isBinarySTL checks the strict binary STL size relation:
// len == 84 + 50*count. ASCII files starting with "solid" never satisfy it.
func isBinarySTL(data []byte) bool {
	if len(data) < stlHeaderSize+stlCountSize {
		return false
	}

	count := binary.LittleEndian.Uint32(data[stlHeaderSize : stlHeaderSize+stlCountSize])
	expected := uint64(stlHeaderSize+stlCountSize) + uint64(count)*stlTriangleSize

	return uint64(len(data)) == expected
}

func isASCIISTL(data []byte) bool {
	head := strings.ToLower(strings.TrimSpace(string(data[:minInt(len(data), 512)])))

	return strings.HasPrefix(head, "solid")
}

func parseBinarySTL(data []byte) ([]triangle, error) {
	count := binary.LittleEndian.Uint32(data[stlHeaderSize : stlHeaderSize+stlCountSize])
	triangles := make([]triangle, 0, count)

	offset := stlHeaderSize + stlCountSize
	for i := uint32(0); i < count; i++ {
		// Skip the 12-byte facet normal; it is recomputed from vertices.
		base := offset + 12

		var verts [3]r3.Vec

		for v := 0; v < 3; v++ {
			x := math.Float32frombits(binary.LittleEndian.Uint32(data[base : base+4]))
			y := math.Float32frombits(binary.LittleEndian.Uint32(data[base+4 : base+8]))
			z := math.Float32frombits(binary.LittleEndian.Uint32(data[base+8 : base+12]))

			if !isFinite(float64(x)) || !isFinite(float64(y)) || !isFinite(float64(z)) {
				return nil, fmt.Errorf("%w: non-finite vertex in facet %d", model.ErrMalformedGeometry, i)
			}

			verts[v] = r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)}
			base += 12
		}

		triangles = append(triangles, triangle{v0: verts[0], v1: verts[1], v2: verts[2]})
		offset += stlTriangleSize
	}

	return triangles, nil
}

func parseASCIISTL(data []byte) ([]triangle, error) {
	var (
		triangles []triangle
		verts     []r3.Vec
		inFacet   bool
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(strings.TrimSpace(scanner.Text()))

		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "facet":
			inFacet = true
			verts = verts[:0]
		case "vertex":
			if !inFacet || len(fields) < 4 {
				return nil, fmt.Errorf("%w: stray vertex at line %d", model.ErrMalformedGeometry, lineNo)
			}

			v, err := parseVec(fields[1], fields[2], fields[3])
			if err != nil {
				return nil, fmt.Errorf("%w: bad vertex at line %d", model.ErrMalformedGeometry, lineNo)
			}

			verts = append(verts, v)
		case "endfacet":
			if len(verts) != 3 {
				return nil, fmt.Errorf("%w: facet at line %d has %d vertices", model.ErrMalformedGeometry, lineNo, len(verts))
			}

			triangles = append(triangles, triangle{v0: verts[0], v1: verts[1], v2: verts[2]})
			inFacet = false
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedGeometry, err)
	}

	return triangles, nil
}

func parseVec(xs, ys, zs string) (r3.Vec, error) {
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return r3.Vec{}, err
	}

	y, err := strconv.ParseFloat(ys, 64)
	if err != nil {
		return r3.Vec{}, err
	}

	z, err := strconv.ParseFloat(zs, 64)
	if err != nil {
		return r3.Vec{}, err
	}

	if !isFinite(x) || !isFinite(y) || !isFinite(z) {
		return r3.Vec{}, fmt.Errorf("non-finite coordinate")
	}

	return r3.Vec{X: x, Y: y, Z: z}, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}

	return b
}
