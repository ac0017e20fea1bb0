package mesh

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/foresight-io/foresight/internal/model"
)

// looksLikeOBJ scans the first lines for OBJ statements (v/f/vn/vt/o/g).
func looksLikeOBJ(data []byte) bool {
	scanner := bufio.NewScanner(bytes.NewReader(data[:minInt(len(data), 4096)]))

	for i := 0; scanner.Scan() && i < 50; i++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "v", "f", "vn", "vt", "o", "g", "mtllib", "usemtl":
			return true
		default:
			return false
		}
	}

	return false
}

func parseOBJ(data []byte) ([]triangle, error) {
	var (
		vertices  []r3.Vec
		triangles []triangle
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)

		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, fmt.Errorf("%w: short vertex at line %d", model.ErrMalformedGeometry, lineNo)
			}

			v, err := parseVec(fields[1], fields[2], fields[3])
			if err != nil {
				return nil, fmt.Errorf("%w: bad vertex at line %d", model.ErrMalformedGeometry, lineNo)
			}

			vertices = append(vertices, v)
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("%w: face with fewer than 3 vertices at line %d", model.ErrMalformedGeometry, lineNo)
			}

			indices := make([]int, 0, len(fields)-1)

			for _, ref := range fields[1:] {
				idx, err := resolveOBJIndex(ref, len(vertices))
				if err != nil {
					return nil, fmt.Errorf("%w: %v at line %d", model.ErrMalformedGeometry, err, lineNo)
				}

				indices = append(indices, idx)
			}

			// Fan-triangulate polygons.
			for i := 1; i < len(indices)-1; i++ {
				triangles = append(triangles, triangle{
					v0: vertices[indices[0]],
					v1: vertices[indices[i]],
					v2: vertices[indices[i+1]],
				})
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedGeometry, err)
	}

	return triangles, nil
}

// resolveOBJIndex parses a face vertex reference ("7", "7/1", "7//2", "-1")
// into a zero-based vertex index. OBJ indices are 1-based; negative indices
// count back from the current vertex list.
func resolveOBJIndex(ref string, vertexCount int) (int, error) {
	if slash := strings.IndexByte(ref, '/'); slash >= 0 {
		ref = ref[:slash]
	}

	n, err := strconv.Atoi(ref)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("bad face index %q", ref)
	}

	if n < 0 {
		n = vertexCount + n + 1
	}

	if n < 1 || n > vertexCount {
		return 0, fmt.Errorf("face index %d out of range", n)
	}

	return n - 1, nil
}
