package mesh

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/foresight-io/foresight/internal/model"
)

// threeMFModel mirrors the subset of the 3MF core spec needed for feature
// extraction: object meshes as vertex and triangle lists. Transforms and
// build-plate placement do not affect volume or area and are ignored.
type threeMFModel struct {
	XMLName   xml.Name        `xml:"model"`
	Resources threeMFResource `xml:"resources"`
}

type threeMFResource struct {
	Objects []threeMFObject `xml:"object"`
}

type threeMFObject struct {
	Mesh *threeMFMesh `xml:"mesh"`
}

type threeMFMesh struct {
	Vertices  []threeMFVertex   `xml:"vertices>vertex"`
	Triangles []threeMFTriangle `xml:"triangles>triangle"`
}

type threeMFVertex struct {
	X float64 `xml:"x,attr"`
	Y float64 `xml:"y,attr"`
	Z float64 `xml:"z,attr"`
}

type threeMFTriangle struct {
	V1 int `xml:"v1,attr"`
	V2 int `xml:"v2,attr"`
	V3 int `xml:"v3,attr"`
}

func parse3MF(data []byte) ([]triangle, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: not a valid 3mf container", model.ErrMalformedGeometry)
	}

	var modelFile *zip.File

	for _, f := range reader.File {
		if strings.HasSuffix(strings.ToLower(f.Name), ".model") {
			modelFile = f

			break
		}
	}

	if modelFile == nil {
		return nil, fmt.Errorf("%w: 3mf container has no model part", model.ErrMalformedGeometry)
	}

	rc, err := modelFile.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open 3mf model part", model.ErrMalformedGeometry)
	}
	defer func() { _ = rc.Close() }()

	payload, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read 3mf model part", model.ErrMalformedGeometry)
	}

	var doc threeMFModel
	if err := xml.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid 3mf model xml", model.ErrMalformedGeometry)
	}

	var triangles []triangle

	for _, obj := range doc.Resources.Objects {
		if obj.Mesh == nil {
			continue
		}

		verts := make([]r3.Vec, len(obj.Mesh.Vertices))
		for i, v := range obj.Mesh.Vertices {
			verts[i] = r3.Vec{X: v.X, Y: v.Y, Z: v.Z}
		}

		for _, tri := range obj.Mesh.Triangles {
			if tri.V1 < 0 || tri.V1 >= len(verts) ||
				tri.V2 < 0 || tri.V2 >= len(verts) ||
				tri.V3 < 0 || tri.V3 >= len(verts) {
				return nil, fmt.Errorf("%w: 3mf triangle index out of range", model.ErrMalformedGeometry)
			}

			triangles = append(triangles, triangle{
				v0: verts[tri.V1],
				v1: verts[tri.V2],
				v2: verts[tri.V3],
			})
		}
	}

	return triangles, nil
}
