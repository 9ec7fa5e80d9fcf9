package plot

import (
	"bytes"
	"testing"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func TestRenderTwoPoints(t *testing.T) {
	t.Parallel()
	img, err := Render(map[string][]Point{
		"loss": {{Iteration: 1, Value: 0.5}, {Iteration: 2, Value: 0.3}},
	}, "train")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(img) == 0 {
		t.Fatal("expected a non-empty image")
	}
	if !bytes.HasPrefix(img, pngMagic) {
		t.Fatalf("output is not PNG (starts with % x)", img[:4])
	}
}

func TestRenderEmptyReturnsNil(t *testing.T) {
	t.Parallel()
	img, err := Render(nil, "train")
	if err != nil {
		t.Fatalf("Render(nil): %v", err)
	}
	if img != nil {
		t.Fatalf("expected nil image for empty input, got %d bytes", len(img))
	}

	img, err = Render(map[string][]Point{"loss": {}}, "train")
	if err != nil {
		t.Fatalf("Render(empty series): %v", err)
	}
	if img != nil {
		t.Fatal("expected nil image for series with no points")
	}
}

func TestRenderSinglePoint(t *testing.T) {
	t.Parallel()
	img, err := Render(map[string][]Point{
		"accuracy": {{Iteration: 10, Value: 0.91}},
	}, "val")
	if err != nil {
		t.Fatalf("Render single point: %v", err)
	}
	if len(img) == 0 {
		t.Fatal("single point must still render a marker image")
	}
}

func TestRenderMultipleSeries(t *testing.T) {
	t.Parallel()
	img, err := Render(map[string][]Point{
		"loss":     {{1, 0.9}, {2, 0.7}, {3, 0.6}},
		"accuracy": {{1, 0.3}, {2, 0.5}, {3, 0.55}},
	}, "train")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(img) == 0 {
		t.Fatal("expected image bytes")
	}
}
