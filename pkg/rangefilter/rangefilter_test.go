package rangefilter

import (
	"math"
	"testing"
)

func TestEmptyInput(t *testing.T) {
	out := Filter([]Scored[string](nil), 1, 1)
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %v", out)
	}
}

func TestUnboundedGatesReturnInput(t *testing.T) {
	in := []Scored[string]{{0.9, "a"}, {0.5, "b"}, {0.1, "c"}}
	out := Filter(in, math.Inf(1), math.Inf(1))
	if len(out) != len(in) {
		t.Fatalf("expected output == input, got %v", out)
	}
}

func TestSingleElement(t *testing.T) {
	in := []Scored[string]{{0.5, "a"}}
	out := Filter(in, 2, 2)
	if len(out) != 1 || out[0].Item != "a" {
		t.Fatalf("expected single element preserved, got %v", out)
	}
}

func TestRangeFilterBoundaryScenario(t *testing.T) {
	in := []Scored[string]{{0.9, "a"}, {0.85, "b"}, {0.4, "c"}}
	out := Filter(in, 0.2, 1.0)
	if len(out) != 2 || out[0].Item != "a" || out[1].Item != "b" {
		t.Fatalf("expected [a b], got %v", out)
	}
}

func TestOutputIsPrefix(t *testing.T) {
	in := []Scored[string]{{0.9, "a"}, {0.1, "b"}, {0.05, "c"}}
	out := Filter(in, 0.01, 0.01)
	for i, s := range out {
		if s.Item != in[i].Item {
			t.Fatalf("output is not a prefix of input: %v vs %v", out, in)
		}
	}
}
