package mesh

import (
	"strings"
	"testing"
)

func TestQuad(t *testing.T) {
	q := Quad()
	if len(q.Vertices) != 4 || len(q.Indices) != 6 {
		t.Fatalf("expected 4 vertices and 6 indices; got %d and %d", len(q.Vertices), len(q.Indices))
	}
	for i, idx := range q.Indices {
		if int(idx) >= len(q.Vertices) {
			t.Fatalf("index %d references missing vertex %d", i, idx)
		}
	}
}

const squareOBJ = `
o square
v -1 -1 0
v 1 -1 0
v 1 1 0
v -1 1 0
vt 0 0
vt 1 0
vt 1 1
vt 0 1
f 1/1 2/2 3/3 4/4
`

func TestLoadOBJTriangulatesFaces(t *testing.T) {
	m, err := LoadOBJ(strings.NewReader(squareOBJ), nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(m.Indices) != 6 {
		t.Fatalf("expected quad face to produce 6 indices; got %d", len(m.Indices))
	}
	if len(m.Vertices) != 4 {
		t.Fatalf("expected shared vertices to be deduplicated into 4; got %d", len(m.Vertices))
	}

	// Texture coordinates are flipped vertically.
	if got := m.Vertices[0].TexCoord; got != [2]float32{0, 1} {
		t.Fatalf("expected first vertex uv (0,1); got %v", got)
	}
}

func TestLoadOBJRejectsEmptyMesh(t *testing.T) {
	if _, err := LoadOBJ(strings.NewReader("o point\nv 0 0 0\n"), nil); err == nil {
		t.Fatal("expected an error for an obj without faces")
	}
}

func TestLoadOBJWithoutUVs(t *testing.T) {
	m, err := LoadOBJ(strings.NewReader("o tri\nv 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Vertices) != 3 || len(m.Indices) != 3 {
		t.Fatalf("expected 3 vertices and 3 indices; got %d and %d", len(m.Vertices), len(m.Indices))
	}
	if got := m.Vertices[2].TexCoord; got != [2]float32{} {
		t.Fatalf("expected zero uv for a face without texture coordinates; got %v", got)
	}
}

func TestLoadOBJRejectsOutOfRangeIndices(t *testing.T) {
	type spec struct {
		obj    string
		expErr string
	}

	specs := []spec{
		{
			obj:    "o tri\nv 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 9\n",
			expErr: "mesh: face references vertex 9 of 3",
		},
		{
			obj:    "o tri\nv 0 0 0\nv 1 0 0\nv 0 1 0\nf -5 2 3\n",
			expErr: "mesh: face references vertex -1 of 3",
		},
		{
			obj:    "o tri\nv 0 0 0\nv 1 0 0\nv 0 1 0\nvt 0 0\nf 1/1 2/4 3/1\n",
			expErr: "mesh: face references texture coordinate 4 of 1",
		},
	}

	for specIndex, s := range specs {
		_, err := LoadOBJ(strings.NewReader(s.obj), nil)
		if err == nil || err.Error() != s.expErr {
			t.Errorf("[spec %d] expected error %q; got %v", specIndex, s.expErr, err)
		}
	}
}
