package cprof

import (
	"bytes"
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestHistogramBuildFromList(t *testing.T) {
	h := NewHistogram()
	samples := []WeightedValue{
		{0.1, 1}, {0.5, 1}, {0.5, 2}, {0.9, 1}, {0.0, 3},
	}
	for _, s := range samples {
		h.AddToList(s.Value, s.Weight)
	}
	h.BuildFromList(5, 8)

	if !h.NonZero() {
		t.Fatal("histogram should be non-zero after build")
	}
	if got := h.NonZeroWeight(); !almostEqual(got, 5, 1e-9) {
		t.Errorf("nonzero weight = %g, want 5", got)
	}
	if got := h.TotalWeight(); got != 8 {
		t.Errorf("total weight = %g, want 8", got)
	}
	if got := h.Coverage(); !almostEqual(got, 5.0/8.0, 1e-9) {
		t.Errorf("coverage = %g, want %g", got, 5.0/8.0)
	}
	if got := h.Mean(false); !almostEqual(got, 0.5, 1e-9) {
		t.Errorf("mean(false) = %g, want 0.5", got)
	}
	if got := h.Mean(true); !almostEqual(got, 0.3125, 1e-9) {
		t.Errorf("mean(true) = %g, want 0.3125", got)
	}
	if h.Min() != 0.1 || h.Max() != 0.9 {
		t.Errorf("range = [%g, %g], want [0.1, 0.9]", h.Min(), h.Max())
	}

	// bin 权重和等于非零质量
	sum := 0.0
	for b := uint32(0); b < h.Bins(); b++ {
		sum += h.BinWeight(b)
	}
	if !almostEqual(sum, 5, 1e-9) {
		t.Errorf("bin weight sum = %g, want 5", sum)
	}
}

func TestHistogramEmptyAndPoint(t *testing.T) {
	// 0-bin 构造合法，查询全是无害缺省值
	empty := NewHistogram()
	if empty.NonZero() {
		t.Error("empty histogram should not be non-zero")
	}
	if empty.Quantile(0.5) != 0 || empty.Mean(false) != 0 || empty.Coverage() != 0 {
		t.Error("empty histogram queries should return zero")
	}

	// 点直方图：min == max，一个零宽 bin
	p := NewHistogram()
	p.AddToList(0.5, 2)
	p.AddToList(0.5, 1)
	p.BuildFromList(10, 3)
	if !p.IsPoint() {
		t.Fatal("expected a point histogram")
	}
	if p.Bins() != 1 {
		t.Errorf("point histogram bins = %d, want 1", p.Bins())
	}
	if p.BinWidth() != 0 {
		t.Errorf("point histogram bin width = %g, want 0", p.BinWidth())
	}
	if got := p.Quantile(0.5); got != 0.5 {
		t.Errorf("point quantile = %g, want 0.5", got)
	}
}

func TestHistogramQuantileBounds(t *testing.T) {
	h := NewHistogram()
	for i := 0; i < 100; i++ {
		h.AddToList(float64(i+1)/100, 1)
	}
	h.BuildFromList(10, 100)

	qs := []float64{0, 0.01, 0.25, 0.5, 0.75, 0.99, 1}
	for _, q := range qs {
		v := h.Quantile(q)
		if v < h.Min() || v > h.Max() {
			t.Errorf("quantile(%g) = %g outside [%g, %g]", q, v, h.Min(), h.Max())
		}
	}
	if h.Quantile(0) != h.Min() {
		t.Errorf("quantile(0) = %g, want min %g", h.Quantile(0), h.Min())
	}
	if h.Quantile(1) != h.Max() {
		t.Errorf("quantile(1) = %g, want max %g", h.Quantile(1), h.Max())
	}
}

func TestHistogramProbLessThan(t *testing.T) {
	h := NewHistogram()
	h.AddToList(0.2, 2)
	h.AddToList(0.8, 2)
	h.AddToList(0, 1)
	h.BuildFromList(4, 5)

	// CDF 覆盖的非零质量不小于 coverage
	got := h.ProbLessThan(h.Max()) - h.ProbLessThan(h.Min())
	want := h.NonZeroWeight()/h.TotalWeight() - Eps
	if got < want-0.3 { // 末 bin 均匀近似会吃掉一部分
		t.Errorf("probLessThan(max)-probLessThan(min) = %g, too small", got)
	}
	if d := h.ProbBetween(0.5, 0.5); d != 0 {
		t.Errorf("probBetween(x,x) = %g, want 0", d)
	}
}

func TestHistogramOverlap(t *testing.T) {
	a := NewHistogram()
	b := NewHistogram()
	for i := 0; i < 50; i++ {
		v := float64(i%10+1) / 10
		a.AddToList(v, 1)
		b.AddToList(v, 1)
	}
	b.AddToList(2.0, 10)
	a.BuildFromList(10, 60)
	b.BuildFromList(10, 60)

	for _, inclZero := range []bool{false, true} {
		if got := a.Overlap(a, inclZero); !almostEqual(got, 1, 1e-9) {
			t.Errorf("overlap(a, a, %v) = %g, want 1", inclZero, got)
		}
		ab := a.Overlap(b, inclZero)
		ba := b.Overlap(a, inclZero)
		if !almostEqual(ab, ba, 1e-9) {
			t.Errorf("overlap not symmetric: %g vs %g", ab, ba)
		}
		if ab < 0 || ab > 1 {
			t.Errorf("overlap(a, b, %v) = %g outside [0,1]", inclZero, ab)
		}
	}
}

func TestHistogramEarthMover(t *testing.T) {
	a := NewHistogram()
	b := NewHistogram()
	for i := 0; i < 20; i++ {
		a.AddToList(float64(i+1)/20, 1)
		b.AddToList(float64(i+1)/40, 1)
	}
	a.BuildFromList(10, 20)
	b.BuildFromList(10, 20)

	if got := a.EarthMover(a); !almostEqual(got, 0, 1e-9) {
		t.Errorf("earthMover(a, a) = %g, want 0", got)
	}
	ab := a.EarthMover(b)
	ba := b.EarthMover(a)
	if ab < 0 {
		t.Errorf("earthMover negative: %g", ab)
	}
	if !almostEqual(ab, ba, 1e-9) {
		t.Errorf("earthMover not symmetric: %g vs %g", ab, ba)
	}
	if ab <= 0 {
		t.Errorf("earthMover of different distributions should be positive, got %g", ab)
	}
}

func TestHistogramCross(t *testing.T) {
	h1 := NewHistogram()
	h1.AddToList(0.5, 4)
	h1.BuildFromList(5, 4)

	h2 := NewHistogram()
	h2.AddToList(0.4, 4)
	h2.BuildFromList(5, 4)

	crossed := h1.Cross(h2)
	if !crossed.NonZero() {
		t.Fatal("crossed histogram should be non-zero")
	}
	if got := crossed.Mean(false); !almostEqual(got, 0.2, 1e-6) {
		t.Errorf("cross mean = %g, want 0.2", got)
	}
}

func TestHistogramSerializeRoundTrip(t *testing.T) {
	h := NewHistogram()
	h.AddToList(0.25, 2)
	h.AddToList(0.5, 3)
	h.AddToList(0.75, 1)
	h.BuildFromList(8, 10)

	var buf bytes.Buffer
	if err := h.Serialize(42, &buf); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	h2 := NewHistogram()
	id, err := h2.Deserialize(8, 10, &buf)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if id != 42 {
		t.Errorf("id = %d, want 42", id)
	}
	if h2.Min() != h.Min() || h2.Max() != h.Max() {
		t.Errorf("range = [%g, %g], want [%g, %g]", h2.Min(), h2.Max(), h.Min(), h.Max())
	}
	if h2.Bins() != h.Bins() {
		t.Fatalf("bins = %d, want %d", h2.Bins(), h.Bins())
	}
	for b := uint32(0); b < h.Bins(); b++ {
		if !almostEqual(h2.BinWeight(b), h.BinWeight(b), 1e-9) {
			t.Errorf("bin %d = %g, want %g", b, h2.BinWeight(b), h.BinWeight(b))
		}
	}
	if !almostEqual(h2.NonZeroWeight(), h.NonZeroWeight(), 1e-9) {
		t.Errorf("nonzero weight = %g, want %g", h2.NonZeroWeight(), h.NonZeroWeight())
	}
	if !almostEqual(h2.TotalWeight(), h.TotalWeight(), 1e-9) {
		t.Errorf("total weight = %g, want %g", h2.TotalWeight(), h.TotalWeight())
	}
}

func TestHistogramSerializePointRoundTrip(t *testing.T) {
	h := NewHistogram()
	h.AddToList(1.0, 6)
	h.BuildFromList(20, 8)

	var buf bytes.Buffer
	if err := h.Serialize(7, &buf); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	h2 := NewHistogram()
	if _, err := h2.Deserialize(20, 8, &buf); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !h2.IsPoint() {
		t.Fatal("expected point histogram after round trip")
	}
	if h2.Min() != 1.0 || h2.NonZeroWeight() != 6 {
		t.Errorf("point = (%g, %g), want (1, 6)", h2.Min(), h2.NonZeroWeight())
	}
}

func TestHistogramDeserializeMismatch(t *testing.T) {
	h := NewHistogram()
	h.AddToList(0.5, 1)
	h.AddToList(0.9, 2)
	h.BuildFromList(4, 3)

	var buf bytes.Buffer
	if err := h.Serialize(0, &buf); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	// 篡改一个 bin 权重字节，权重和对不上头部
	data := buf.Bytes()
	data[len(data)-2] ^= 0x3f

	h2 := NewHistogram()
	if _, err := h2.Deserialize(4, 3, bytes.NewReader(data)); err == nil {
		t.Fatal("expected bin-weight mismatch error")
	}
	if h2.NonZero() {
		t.Error("failed deserialize should leave histogram unbuilt")
	}
}

func TestHistogramApplyOnRange(t *testing.T) {
	h := NewHistogram()
	for i := 0; i < 10; i++ {
		h.AddToList(float64(i+1)/10, 1)
	}
	h.BuildFromList(10, 10)

	// 全范围的 Σw 就是非零质量
	total := h.ApplyOnRange(h.Min(), h.Max(), func(v, w float64) float64 { return w })
	if !almostEqual(total, h.NonZeroWeight(), 1e-6) {
		t.Errorf("applyOnRange full weight = %g, want %g", total, h.NonZeroWeight())
	}

	// applyOnQuantile(0, 1) 等价 applyOnRange(min, max)
	a := h.ApplyOnQuantile(0, 1, Product)
	b := h.ApplyOnRange(h.Min(), h.Max(), Product)
	if !almostEqual(a, b, 1e-9) {
		t.Errorf("applyOnQuantile(0,1) = %g, applyOnRange(min,max) = %g", a, b)
	}
}

func TestHistogramFromList(t *testing.T) {
	a := NewHistogram()
	a.AddToList(0.2, 2)
	a.BuildFromList(5, 2)

	b := NewHistogram()
	b.AddToList(0.8, 2)
	b.BuildFromList(5, 2)

	merged := NewHistogramFromList(5, 4, []*Histogram{a, b})
	if !merged.NonZero() {
		t.Fatal("merged histogram should be non-zero")
	}
	if merged.Min() != 0.2 || merged.Max() != 0.8 {
		t.Errorf("merged range = [%g, %g], want [0.2, 0.8]", merged.Min(), merged.Max())
	}
	if got := merged.Mean(false); !almostEqual(got, 0.5, 1e-9) {
		t.Errorf("merged mean = %g, want 0.5", got)
	}
	if got := merged.NonZeroWeight(); !almostEqual(got, 4, 1e-9) {
		t.Errorf("merged nonzero weight = %g, want 4", got)
	}
}
