// Package cprof 实现组合档案（combined profile）
//
// 组合档案把多次独立运行的档案合并成保留分布形态的直方图集合，
// 而不是只留均值。本包含直方图本体、边/路径/调用三种档案变体、
// 多文件装配工厂，以及档案文件的二进制编解码。
package cprof

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Eps 浮点容差。不精确运算产生的近零值在 e-312 量级，
// 真实数据最小也在 e-10 量级，取 e-100 两边都保守。
const Eps = 1.0e-100

// DefaultBins 默认 bin 数
const DefaultBins = 20

// pointFlag bincount 字段的点直方图标志位
const pointFlag uint32 = 0x80000000

// WeightedValue 带权样本
type WeightedValue struct {
	Value  float64
	Weight float64
}

// HistFunc 作用在 (值, 权重) 上的函数
type HistFunc func(v, w float64) float64

// Product 最简单的可用函数：值乘权
func Product(v, w float64) float64 { return v * w }

// stats 直方图的累计统计
//
// sumWeights 只含非零样本；totalWeight 含隐式零。
type stats struct {
	sumSquares  float64
	sumValues   float64
	sumWeights  float64
	totalWeight float64
}

func (s *stats) clear() {
	s.sumSquares, s.sumValues, s.sumWeights, s.totalWeight = 0, 0, 0, 0
}

// combine 把 o 并入 s；totalWeight 由调用方控制
func (s *stats) combine(o *stats) {
	s.sumSquares += o.sumSquares
	s.sumValues += o.sumValues
	s.sumWeights += o.sumWeights
}

// mean 总体均值。inclZeros 为 false 时分母只算非零权重。
func (s *stats) mean(inclZeros bool) float64 {
	d := s.sumWeights
	if inclZeros {
		d = s.totalWeight
	}
	if d <= Eps {
		return 0
	}
	return s.sumValues / d
}

// stdev 总体标准差
func (s *stats) stdev(inclZeros bool) float64 {
	d := s.sumWeights
	if inclZeros {
		d = s.totalWeight
	}
	if d <= Eps {
		return 0
	}
	m := s.sumValues / d
	v := s.sumSquares/d - m*m
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v)
}

// Histogram 定宽 bin 的带权分布
//
// 生命周期：空构造 → AddToList 追加样本 → BuildFromList 离散化
// 并清空样本表 → 查询。再追加样本需要再次 build。
type Histogram struct {
	stats   stats
	min     float64
	max     float64
	bins    []float64
	addList []WeightedValue
}

// NewHistogram 创建 0-bin 空直方图
func NewHistogram() *Histogram {
	return &Histogram{}
}

// NewHistogramFromList 用一组同位置的直方图构造合并直方图。
// 每个成员的 bin 以脉冲形式重新打散进新的 bin 网格，
// 统计量按成员精确累加。
func NewHistogramFromList(bincount uint32, totalWeight float64, hl []*Histogram) *Histogram {
	h := NewHistogram()

	combined := stats{totalWeight: totalWeight}
	cmin, cmax := math.Inf(1), math.Inf(-1)
	any := false
	for _, c := range hl {
		if c == nil || !c.NonZero() {
			continue
		}
		any = true
		combined.combine(&c.stats)
		if c.min < cmin {
			cmin = c.min
		}
		if c.max > cmax {
			cmax = c.max
		}
		if c.IsPoint() {
			h.AddToList(c.min, c.NonZeroWeight())
			continue
		}
		for b := range c.bins {
			if c.bins[b] > Eps {
				h.AddToList(c.BinCenter(uint32(b)), c.bins[b])
			}
		}
	}

	if !any {
		h.stats.totalWeight = totalWeight
		return h
	}

	h.BuildFromList(bincount, totalWeight, cmin, cmax)
	// bin 重采样会模糊统计量，换成成员的精确累计
	h.stats = combined
	return h
}

// Clone 深拷贝
func (h *Histogram) Clone() *Histogram {
	c := &Histogram{stats: h.stats, min: h.min, max: h.max}
	if h.bins != nil {
		c.bins = append([]float64{}, h.bins...)
	}
	if h.addList != nil {
		c.addList = append([]WeightedValue{}, h.addList...)
	}
	return c
}

// Clear 回到未构建状态
func (h *Histogram) Clear() {
	h.stats.clear()
	h.min, h.max = 0, 0
	h.bins = nil
	h.addList = nil
}

// AddToList 追加带权样本
func (h *Histogram) AddToList(v, w float64) {
	h.addList = append(h.addList, WeightedValue{Value: v, Weight: w})
}

// BuildFromList 把样本表离散化到 bincount 个 bin。
//
// 调用方给定的范围只会被样本范围扩张，不会收缩；不给则用
// 样本范围。值 ≤ Eps 的样本按零处理：不进 bin，但计入
// totalWeight，保证覆盖率有定义。完成后清空样本表。
func (h *Histogram) BuildFromList(bincount uint32, totalWeight float64, bounds ...float64) {
	givenMin := math.Inf(1)
	givenMax := 0.0
	if len(bounds) > 0 {
		givenMin = bounds[0]
	}
	if len(bounds) > 1 {
		givenMax = bounds[1]
	}

	h.stats.clear()
	h.stats.totalWeight = totalWeight
	h.bins = nil
	h.min, h.max = 0, 0

	// 找非零样本范围
	dataMin, dataMax := math.Inf(1), math.Inf(-1)
	anyNonZero := false
	for _, wv := range h.addList {
		if wv.Value <= Eps {
			continue
		}
		anyNonZero = true
		if wv.Value < dataMin {
			dataMin = wv.Value
		}
		if wv.Value > dataMax {
			dataMax = wv.Value
		}
	}

	if !anyNonZero || bincount == 0 {
		h.addList = nil
		return
	}

	min, max := givenMin, givenMax
	if dataMin < min {
		min = dataMin
	}
	if dataMax > max {
		max = dataMax
	}
	h.min, h.max = min, max

	if h.min == h.max {
		h.bins = make([]float64, 1) // 点直方图：一个零宽 bin
	} else {
		h.bins = make([]float64, bincount)
	}

	for _, wv := range h.addList {
		if wv.Value <= Eps {
			continue
		}
		h.bins[h.WhichBin(wv.Value)] += wv.Weight
		h.stats.sumValues += wv.Value * wv.Weight
		h.stats.sumSquares += wv.Value * wv.Value * wv.Weight
		h.stats.sumWeights += wv.Weight
	}

	h.addList = nil
}

// Bins bin 数
func (h *Histogram) Bins() uint32 { return uint32(len(h.bins)) }

// IsPoint 是否点直方图（min == max）
func (h *Histogram) IsPoint() bool {
	return len(h.bins) > 0 && h.min == h.max
}

// NonZero 是否有非零样本
func (h *Histogram) NonZero() bool {
	return len(h.bins) > 0 && h.stats.sumWeights > Eps
}

// BinWidth bin 宽度，点直方图为 0
func (h *Histogram) BinWidth() float64 {
	if len(h.bins) == 0 || h.IsPoint() {
		return 0
	}
	return (h.max - h.min) / float64(len(h.bins))
}

// BinLowerLimit bin 下界
func (h *Histogram) BinLowerLimit(b uint32) float64 {
	return h.min + float64(b)*h.BinWidth()
}

// BinUpperLimit bin 上界
func (h *Histogram) BinUpperLimit(b uint32) float64 {
	return h.min + float64(b+1)*h.BinWidth()
}

// BinCenter bin 中心
func (h *Histogram) BinCenter(b uint32) float64 {
	if h.IsPoint() {
		return h.min
	}
	return h.min + (float64(b)+0.5)*h.BinWidth()
}

// WhichBin 值落入哪个 bin；末 bin 右闭
func (h *Histogram) WhichBin(v float64) uint32 {
	if len(h.bins) == 0 || h.IsPoint() {
		return 0
	}
	w := h.BinWidth()
	b := int((v - h.min) / w)
	if b < 0 {
		b = 0
	}
	if b >= len(h.bins) {
		b = len(h.bins) - 1
	}
	return uint32(b)
}

// BinWeight bin 权重
func (h *Histogram) BinWeight(b uint32) float64 {
	if int(b) >= len(h.bins) {
		return 0
	}
	return h.bins[b]
}

// BinsUsed 非空 bin 数
func (h *Histogram) BinsUsed() uint32 {
	used := uint32(0)
	for _, w := range h.bins {
		if w > Eps {
			used++
		}
	}
	return used
}

// Min 最小值
func (h *Histogram) Min() float64 { return h.min }

// Max 最大值
func (h *Histogram) Max() float64 { return h.max }

// Span 值域跨度
func (h *Histogram) Span() float64 { return h.max - h.min }

// NonZeroWeight 非零样本权重和
func (h *Histogram) NonZeroWeight() float64 { return h.stats.sumWeights }

// ZeroWeight 隐式零权重
func (h *Histogram) ZeroWeight() float64 {
	z := h.stats.totalWeight - h.stats.sumWeights
	if z < 0 {
		return 0
	}
	return z
}

// TotalWeight 总权重（含隐式零）
func (h *Histogram) TotalWeight() float64 { return h.stats.totalWeight }

// MaxWeight 最重 bin 的权重
func (h *Histogram) MaxWeight() float64 {
	m := 0.0
	for _, w := range h.bins {
		if w > m {
			m = w
		}
	}
	return m
}

// Occupancy 非空 bin 占比
func (h *Histogram) Occupancy() float64 {
	if len(h.bins) == 0 {
		return 0
	}
	return float64(h.BinsUsed()) / float64(len(h.bins))
}

// Coverage 非零权重占总权重之比
func (h *Histogram) Coverage() float64 {
	if h.stats.totalWeight <= Eps {
		return 0
	}
	return h.stats.sumWeights / h.stats.totalWeight
}

// MaxLikelihood 最重 bin 的中心值
func (h *Histogram) MaxLikelihood() float64 {
	if !h.NonZero() {
		return 0
	}
	best, bestW := uint32(0), -1.0
	for b, w := range h.bins {
		if w > bestW {
			best, bestW = uint32(b), w
		}
	}
	return h.BinCenter(best)
}

// Mean 均值
func (h *Histogram) Mean(inclZeros bool) float64 { return h.stats.mean(inclZeros) }

// Stdev 标准差
func (h *Histogram) Stdev(inclZeros bool) float64 { return h.stats.stdev(inclZeros) }

// Quantile 加权分位数，bin 内线性插值。
// q=0 返回 min，q=1 返回 max。
func (h *Histogram) Quantile(q float64) float64 {
	if !h.NonZero() {
		return 0
	}
	if q <= 0 {
		return h.min
	}
	if q >= 1 || h.IsPoint() {
		return h.max
	}

	target := q * h.stats.sumWeights
	cum := 0.0
	for b, w := range h.bins {
		if cum+w >= target {
			if w <= Eps {
				return h.BinLowerLimit(uint32(b))
			}
			frac := (target - cum) / w
			return h.BinLowerLimit(uint32(b)) + frac*h.BinWidth()
		}
		cum += w
	}
	return h.max
}

// QuantileRange 一对分位点对应的值区间
func (h *Histogram) QuantileRange(lo, hi float64) (float64, float64) {
	return h.Quantile(lo), h.Quantile(hi)
}

// ProbLessThan P(x < v)，bin 内按均匀分布近似，零质量位于 0
func (h *Histogram) ProbLessThan(v float64) float64 {
	if h.stats.totalWeight <= Eps {
		return 0
	}
	mass := 0.0
	if v > 0 {
		mass += h.ZeroWeight()
	}
	if h.IsPoint() {
		if v > h.min {
			mass += h.stats.sumWeights
		}
	} else {
		for b, w := range h.bins {
			lo, hi := h.BinLowerLimit(uint32(b)), h.BinUpperLimit(uint32(b))
			switch {
			case v >= hi:
				mass += w
			case v > lo:
				mass += w * (v - lo) / (hi - lo)
			}
		}
	}
	return mass / h.stats.totalWeight
}

// ProbBetween P(l ≤ x < u)
func (h *Histogram) ProbBetween(l, u float64) float64 {
	if u < l {
		return 0
	}
	return h.ProbLessThan(u) - h.ProbLessThan(l)
}

// RangeWeight [lb,ub] 内的非零权重，端 bin 按覆盖比例折算
func (h *Histogram) RangeWeight(lb, ub float64) float64 {
	if !h.NonZero() || ub < lb {
		return 0
	}
	if h.IsPoint() {
		if h.min >= lb && h.min <= ub {
			return h.stats.sumWeights
		}
		return 0
	}
	mass := 0.0
	for b, w := range h.bins {
		lo, hi := h.BinLowerLimit(uint32(b)), h.BinUpperLimit(uint32(b))
		overlapLo := math.Max(lo, lb)
		overlapHi := math.Min(hi, ub)
		if overlapHi <= overlapLo {
			continue
		}
		mass += w * (overlapHi - overlapLo) / (hi - lo)
	}
	return mass
}

// EstProbLessThan P(x < Y) 的估计：对 Y 的脉冲求本分布的下侧质量
func (h *Histogram) EstProbLessThan(other *Histogram) float64 {
	if !h.NonZero() || !other.NonZero() {
		return 0
	}
	p := 0.0
	norm := other.stats.sumWeights
	if other.IsPoint() {
		return h.ProbLessThan(other.min)
	}
	for b, w := range other.bins {
		if w <= Eps {
			continue
		}
		p += h.ProbLessThan(other.BinCenter(uint32(b))) * w / norm
	}
	return p
}

// ApplyOnRange 对 [lo,hi] 内的脉冲（bin 中心）求 Σf(center, w)。
// 部分覆盖的端 bin 按覆盖比例折算权重。
func (h *Histogram) ApplyOnRange(lo, hi float64, f HistFunc) float64 {
	if !h.NonZero() || hi < lo {
		return 0
	}
	if h.IsPoint() {
		if h.min >= lo && h.min <= hi {
			return f(h.min, h.stats.sumWeights)
		}
		return 0
	}
	sum := 0.0
	for b, w := range h.bins {
		if w <= Eps {
			continue
		}
		blo, bhi := h.BinLowerLimit(uint32(b)), h.BinUpperLimit(uint32(b))
		overlapLo := math.Max(blo, lo)
		overlapHi := math.Min(bhi, hi)
		if overlapHi <= overlapLo {
			continue
		}
		frac := (overlapHi - overlapLo) / (bhi - blo)
		sum += f(h.BinCenter(uint32(b)), w*frac)
	}
	return sum
}

// ApplyOnQuantile 按分位点给出范围的 ApplyOnRange
func (h *Histogram) ApplyOnQuantile(ql, qh float64, f HistFunc) float64 {
	return h.ApplyOnRange(h.Quantile(ql), h.Quantile(qh), f)
}

// commonGrid 双直方图重分 bin 的公共网格
type commonGrid struct {
	min, max float64
	bins     uint32
}

func (h *Histogram) gridWith(other *Histogram) commonGrid {
	g := commonGrid{min: math.Min(h.min, other.min), max: math.Max(h.max, other.max)}
	g.bins = h.Bins()
	if other.Bins() > g.bins {
		g.bins = other.Bins()
	}
	if g.bins == 0 {
		g.bins = 1
	}
	return g
}

// Overlap 两分布在公共网格上的重叠度，对称，[0,1]。
// includeZero 把零质量也计入比较。
func (h *Histogram) Overlap(other *Histogram, includeZero bool) float64 {
	if !h.NonZero() || !other.NonZero() {
		return 0
	}

	norm1, norm2 := h.stats.sumWeights, other.stats.sumWeights
	if includeZero {
		norm1, norm2 = h.stats.totalWeight, other.stats.totalWeight
	}
	if norm1 <= Eps || norm2 <= Eps {
		return 0
	}

	g := h.gridWith(other)
	sum := 0.0
	if g.min == g.max {
		// 两个同值点直方图
		sum = math.Min(h.stats.sumWeights/norm1, other.stats.sumWeights/norm2)
	} else {
		w := (g.max - g.min) / float64(g.bins)
		for b := uint32(0); b < g.bins; b++ {
			lo := g.min + float64(b)*w
			hi := lo + w
			p1 := h.RangeWeight(lo, hi) / norm1
			p2 := other.RangeWeight(lo, hi) / norm2
			sum += math.Min(p1, p2)
		}
	}
	if includeZero {
		sum += math.Min(h.ZeroWeight()/norm1, other.ZeroWeight()/norm2)
	}
	return sum
}

// EarthMover 两分布在公共网格上的土方距离：Σ|CDF差|·binWidth。
// 非负，对称，同分布为 0。
func (h *Histogram) EarthMover(other *Histogram) float64 {
	if !h.NonZero() || !other.NonZero() {
		return 0
	}
	g := h.gridWith(other)
	if g.min == g.max {
		return 0
	}
	w := (g.max - g.min) / float64(g.bins)
	cdf1, cdf2, emd := 0.0, 0.0, 0.0
	for b := uint32(0); b < g.bins; b++ {
		lo := g.min + float64(b)*w
		hi := lo + w
		cdf1 += h.RangeWeight(lo, hi) / h.stats.sumWeights
		cdf2 += other.RangeWeight(lo, hi) / other.stats.sumWeights
		emd += math.Abs(cdf1-cdf2) * w
	}
	return emd
}

// Cross 两个独立一维分布的乘积分布。
// 新支撑覆盖两支撑之积；bin 数取两者较大者。
// 内联时用来把被调函数的频率与调用点在调用者里的频率复合。
func (h *Histogram) Cross(other *Histogram) *Histogram {
	out := NewHistogram()
	total := h.stats.totalWeight
	out.stats.totalWeight = total
	if !h.NonZero() || !other.NonZero() {
		return out
	}

	bins := h.Bins()
	if other.Bins() > bins {
		bins = other.Bins()
	}

	// 乘积分布的非零质量由两覆盖率之积决定
	nz := h.Coverage() * other.Coverage() * total
	if nz <= Eps {
		return out
	}

	nz1, nz2 := h.stats.sumWeights, other.stats.sumWeights
	for b1 := uint32(0); b1 < h.Bins(); b1++ {
		w1 := h.bins[b1]
		if w1 <= Eps {
			continue
		}
		v1 := h.BinCenter(b1)
		for b2 := uint32(0); b2 < other.Bins(); b2++ {
			w2 := other.bins[b2]
			if w2 <= Eps {
				continue
			}
			out.AddToList(v1*other.BinCenter(b2), (w1/nz1)*(w2/nz2)*nz)
		}
	}
	out.BuildFromList(bins, total, h.min*other.min, h.max*other.max)
	return out
}

// AsUniform 同范围同权重的均匀分布参照
func (h *Histogram) AsUniform() *Histogram {
	out := NewHistogram()
	out.stats.totalWeight = h.stats.totalWeight
	if !h.NonZero() {
		return out
	}
	n := h.Bins()
	per := h.stats.sumWeights / float64(n)
	for b := uint32(0); b < n; b++ {
		out.AddToList(h.BinCenter(b), per)
	}
	out.BuildFromList(n, h.stats.totalWeight, h.min, h.max)
	return out
}

// AsNormal 同均值同方差的正态分布参照
func (h *Histogram) AsNormal() *Histogram {
	out := NewHistogram()
	out.stats.totalWeight = h.stats.totalWeight
	if !h.NonZero() {
		return out
	}
	mean := h.Mean(false)
	sd := h.Stdev(false)
	n := h.Bins()
	if sd <= Eps {
		out.AddToList(mean, h.stats.sumWeights)
		out.BuildFromList(n, h.stats.totalWeight, h.min, h.max)
		return out
	}

	// 按正态 CDF 给每个 bin 配质量
	total := 0.0
	mass := make([]float64, n)
	for b := uint32(0); b < n; b++ {
		lo := (h.BinLowerLimit(b) - mean) / (sd * math.Sqrt2)
		hi := (h.BinUpperLimit(b) - mean) / (sd * math.Sqrt2)
		mass[b] = 0.5 * (math.Erf(hi) - math.Erf(lo))
		total += mass[b]
	}
	if total <= Eps {
		return out
	}
	for b := uint32(0); b < n; b++ {
		if mass[b] > 0 {
			out.AddToList(h.BinCenter(b), mass[b]/total*h.stats.sumWeights)
		}
	}
	out.BuildFromList(n, h.stats.totalWeight, h.min, h.max)
	return out
}

// Serialize 写出直方图记录，返回错误时流不可继续使用
func (h *Histogram) Serialize(id uint32, w io.Writer) error {
	bincount := h.Bins()
	if h.IsPoint() {
		bincount = 1 | pointFlag
	}
	hdr := []interface{}{id, bincount, h.min, h.max, h.stats.sumWeights}
	for _, v := range hdr {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("failed to write histogram %d: %w", id, err)
		}
	}
	for _, bw := range h.bins {
		if err := binary.Write(w, binary.LittleEndian, bw); err != nil {
			return fmt.Errorf("failed to write histogram %d bins: %w", id, err)
		}
	}
	return nil
}

// Deserialize 读入直方图记录，返回位置 ID。
// bin 权重与头部不一致判为格式错误，直方图保持未构建。
func (h *Histogram) Deserialize(bincount uint32, totalWeight float64, r io.Reader) (uint32, error) {
	var id, storedBins uint32
	var min, max, nzWeight float64
	if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
		return 0, fmt.Errorf("failed to read histogram header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &storedBins); err != nil {
		return 0, fmt.Errorf("failed to read histogram header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &min); err != nil {
		return 0, fmt.Errorf("failed to read histogram header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &max); err != nil {
		return 0, fmt.Errorf("failed to read histogram header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &nzWeight); err != nil {
		return 0, fmt.Errorf("failed to read histogram header: %w", err)
	}

	isPoint := storedBins&pointFlag != 0
	n := storedBins &^ pointFlag
	if n == 0 || (!isPoint && bincount != 0 && n != bincount) {
		return 0, fmt.Errorf("histogram %d: bin count %d does not match profile bin count %d", id, n, bincount)
	}

	bins := make([]float64, n)
	sum := 0.0
	for b := range bins {
		if err := binary.Read(r, binary.LittleEndian, &bins[b]); err != nil {
			return 0, fmt.Errorf("failed to read histogram %d bins: %w", id, err)
		}
		sum += bins[b]
	}
	if math.Abs(sum-nzWeight) > 1e-6*math.Max(1, nzWeight) {
		return 0, fmt.Errorf("histogram %d: bin weights %g do not match header weight %g", id, sum, nzWeight)
	}

	h.Clear()
	h.min, h.max = min, max
	h.bins = bins
	h.stats.totalWeight = totalWeight
	h.stats.sumWeights = nzWeight
	// 从 bin 重估值统计
	for b := range bins {
		c := h.BinCenter(uint32(b))
		h.stats.sumValues += c * bins[b]
		h.stats.sumSquares += c * c * bins[b]
	}
	return id, nil
}

// Print 打印 bin 内容
func (h *Histogram) Print(w io.Writer) {
	fmt.Fprintf(w, "  range [%g, %g], %d bins, weight %g/%g\n",
		h.min, h.max, h.Bins(), h.stats.sumWeights, h.stats.totalWeight)
	for b := range h.bins {
		if h.bins[b] > Eps {
			fmt.Fprintf(w, "    [%d] %g: %g\n", b, h.BinCenter(uint32(b)), h.bins[b])
		}
	}
}

// PrintStats 打印一行统计：P/H Pval Occ Cov ML Span emdU emdN
func (h *Histogram) PrintStats(w io.Writer) {
	if h.IsPoint() {
		fmt.Fprintf(w, "P\t%g\t%g\t%g\t%g\t0\t0\t0",
			h.min, h.Occupancy(), h.Coverage(), h.MaxLikelihood())
		return
	}
	u := h.AsUniform()
	n := h.AsNormal()
	fmt.Fprintf(w, "H\t-\t%g\t%g\t%g\t%g\t%g\t%g",
		h.Occupancy(), h.Coverage(), h.MaxLikelihood(), h.Span(),
		h.EarthMover(u), h.EarthMover(n))
}
