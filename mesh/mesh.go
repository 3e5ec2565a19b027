// Package mesh provides the geometry drawn for every object.
package mesh

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/g3n/engine/loader/obj"
	"github.com/vkngwrapper/mtquad/gpu"
)

// The obj decoder stores this index for face corners without a uv.
const missingIndex = math.MaxUint32

type Mesh struct {
	Vertices []gpu.Vertex
	Indices  []uint32
}

// Quad returns a small textured quad centered on the origin.
func Quad() *Mesh {
	return &Mesh{
		Vertices: []gpu.Vertex{
			{Position: [3]float32{-0.05, 0.05, 0}, TexCoord: [2]float32{0, 0}},
			{Position: [3]float32{0.05, -0.05, 0}, TexCoord: [2]float32{1, 1}},
			{Position: [3]float32{-0.05, -0.05, 0}, TexCoord: [2]float32{0, 1}},
			{Position: [3]float32{0.05, 0.05, 0}, TexCoord: [2]float32{1, 0}},
		},
		Indices: []uint32{0, 1, 2, 0, 3, 1},
	}
}

// LoadOBJ decodes a wavefront obj mesh. Faces are triangulated as fans and
// texture coordinates are flipped vertically. mtl may be nil.
func LoadOBJ(objReader, mtlReader io.Reader) (*Mesh, error) {
	if mtlReader == nil {
		mtlReader = strings.NewReader("")
	}

	decoder, err := obj.DecodeReader(objReader, mtlReader)
	if err != nil {
		return nil, errors.Wrap(err, "mesh: decode obj")
	}

	m := &Mesh{}
	uniqueVertices := make(map[[2]int]uint32)

	for _, decodedObj := range decoder.Objects {
		for _, face := range decodedObj.Faces {
			for i := 2; i < len(face.Vertices); i++ {
				for _, corner := range [3]int{0, i - 1, i} {
					if err = m.addVertex(decoder, uniqueVertices, face, corner); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	if len(m.Indices) == 0 {
		return nil, errors.New("mesh: obj contains no faces")
	}

	return m, nil
}

func (m *Mesh) addVertex(decoder *obj.Decoder, uniqueVertices map[[2]int]uint32, face obj.Face, faceIndex int) error {
	vertInd := face.Vertices[faceIndex]
	if vertCount := len(decoder.Vertices) / 3; vertInd < 0 || vertInd >= vertCount {
		return errors.Newf("mesh: face references vertex %d of %d", vertInd+1, vertCount)
	}

	uvInd := -1
	if faceIndex < len(face.Uvs) && face.Uvs[faceIndex] != missingIndex {
		uvInd = face.Uvs[faceIndex]
		if uvCount := len(decoder.Uvs) / 2; uvInd < 0 || uvInd >= uvCount {
			return errors.Newf("mesh: face references texture coordinate %d of %d", uvInd+1, uvCount)
		}
	}

	key := [2]int{vertInd, uvInd}
	index, exists := uniqueVertices[key]
	if !exists {
		vert := gpu.Vertex{Position: [3]float32{
			decoder.Vertices[vertInd*3],
			decoder.Vertices[vertInd*3+1],
			decoder.Vertices[vertInd*3+2],
		}}

		if uvInd >= 0 {
			vert.TexCoord = [2]float32{
				decoder.Uvs[uvInd*2],
				1.0 - decoder.Uvs[uvInd*2+1],
			}
		}

		index = uint32(len(m.Vertices))
		m.Vertices = append(m.Vertices, vert)
		uniqueVertices[key] = index
	}

	m.Indices = append(m.Indices, index)
	return nil
}

// LoadOBJFile loads the obj file at path together with the mtl file next to
// it, if one exists.
func LoadOBJFile(path string) (*Mesh, error) {
	objFile, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "mesh: open %q", path)
	}
	defer objFile.Close()

	var mtlReader io.Reader
	mtlPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".mtl"
	if mtlFile, err := os.Open(mtlPath); err == nil {
		defer mtlFile.Close()
		mtlReader = mtlFile
	}

	m, err := LoadOBJ(objFile, mtlReader)
	if err != nil {
		return nil, errors.Wrapf(err, "mesh: %q", path)
	}
	return m, nil
}
