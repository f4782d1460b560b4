package normalize

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestRelativizeColumnsSumToOne(t *testing.T) {
	counts := mat.NewDense(3, 2, []float64{
		10, 1,
		30, 3,
		60, 0,
	})
	rel, err := Relativize(counts)
	if err != nil {
		t.Fatalf("relativize: %v", err)
	}
	for s := 0; s < 2; s++ {
		total := 0.0
		for i := 0; i < 3; i++ {
			total += rel.At(i, s)
		}
		if math.Abs(total-1) > 1e-12 {
			t.Fatalf("column %d sum: got=%v want=1", s, total)
		}
	}
	if got := rel.At(0, 0); got != 0.1 {
		t.Fatalf("rel(0,0): got=%v want=0.1", got)
	}
}

func TestRelativizeZeroTotalFatal(t *testing.T) {
	counts := mat.NewDense(2, 2, []float64{
		1, 0,
		2, 0,
	})
	if _, err := Relativize(counts); !errors.Is(err, ErrZeroTotalSample) {
		t.Fatalf("expected ErrZeroTotalSample, got %v", err)
	}
}

func TestCSSFactorUnitGeometricMean(t *testing.T) {
	counts := mat.NewDense(4, 3, []float64{
		5, 1, 2,
		10, 9, 4,
		20, 40, 8,
		65, 50, 86,
	})
	rel, err := Relativize(counts)
	if err != nil {
		t.Fatalf("relativize: %v", err)
	}
	factors := CSSFactor(rel, 0.5)
	logSum := 0.0
	for s, f := range factors {
		if f <= 0 || math.IsNaN(f) {
			t.Fatalf("factor %d not positive: got=%v", s, f)
		}
		logSum += math.Log(f)
	}
	if geo := math.Exp(logSum / float64(len(factors))); math.Abs(geo-1) > 1e-12 {
		t.Fatalf("geometric mean: got=%v want=1", geo)
	}
}

func TestCSSFactorOrdering(t *testing.T) {
	// Both samples share the same composition; identical relative columns
	// must produce identical factors.
	counts := mat.NewDense(3, 2, []float64{
		1, 2,
		2, 4,
		7, 14,
	})
	rel, err := Relativize(counts)
	if err != nil {
		t.Fatalf("relativize: %v", err)
	}
	factors := CSSFactor(rel, 0.5)
	if math.Abs(factors[0]-factors[1]) > 1e-12 {
		t.Fatalf("identical compositions must share factors: got=%v vs %v", factors[0], factors[1])
	}
}
