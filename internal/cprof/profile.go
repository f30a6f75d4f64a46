package cprof

import (
	"fmt"
	"io"
	"sort"
)

// CombinedProfile 三种档案变体（边/路径/调用）的公共契约
type CombinedProfile interface {
	// Kind 档案类型标签
	Kind() ProfilingType
	// Name 打印用的类型名
	Name() string

	// AddProfile 吃进一次试跑的原始计数，转成逐位置样本追加
	// 到各直方图的样本表，总权重加一
	AddProfile(r io.Reader) error
	// Serialize 写出档案头和所有有数据的直方图，返回写出的个数
	Serialize(w io.Writer) (int, error)
	// Deserialize 反向操作；流里缺席的直方图落位成空直方图
	Deserialize(r io.Reader) error
	// BuildFromList 合并一组同类档案
	BuildFromList(list []CombinedProfile, bincount uint32) error
	// BuildHistograms 对每个直方图执行 BuildFromList
	BuildHistograms(bincount uint32)

	// Histograms 直方图向量
	Histograms() []*Histogram
	// TotalWeight 试跑总权重
	TotalWeight() float64
	// BinCount bin 数
	BinCount() uint32
}

// profileBase 三种变体共用的状态与行为
type profileBase struct {
	weight     float64
	bincount   uint32
	histograms []*Histogram
}

func (p *profileBase) Histograms() []*Histogram { return p.histograms }
func (p *profileBase) TotalWeight() float64     { return p.weight }
func (p *profileBase) BinCount() uint32         { return p.bincount }

// addWeight 累计试跑权重
func (p *profileBase) addWeight(w float64) { p.weight += w }

// histogramAt 取 dense 位置上的直方图，按需分配
func (p *profileBase) histogramAt(i int) *Histogram {
	if p.histograms[i] == nil {
		p.histograms[i] = NewHistogram()
	}
	return p.histograms[i]
}

// BuildHistograms 对每个直方图执行 BuildFromList
func (p *profileBase) BuildHistograms(bincount uint32) {
	p.bincount = bincount
	for _, h := range p.histograms {
		if h != nil {
			h.BuildFromList(p.bincount, p.weight)
		}
	}
}

// calcBinCount 从一组档案中选 bin 数：取同类中的最大者，否则用缺省
func calcBinCount(kind ProfilingType, list []CombinedProfile, fallback uint32) uint32 {
	if len(list) == 0 {
		return fallback
	}
	valid := false
	bins := uint32(1)
	for _, cp := range list {
		if cp == nil || (kind != 0 && cp.Kind() != kind) {
			continue
		}
		if cp.BinCount() > bins {
			bins = cp.BinCount()
		}
		valid = true
	}
	if valid {
		return bins
	}
	return fallback
}

// Print 完整打印档案
func Print(cp CombinedProfile, w io.Writer) {
	binsUsed := uint32(0)
	fmt.Fprintf(w, "Profile Type: %s\n", cp.Name())
	fmt.Fprintf(w, "Total Weight: %g\n", cp.TotalWeight())
	fmt.Fprintf(w, "Bin Count:    %d\n", cp.BinCount())

	for i, h := range cp.Histograms() {
		if h == nil {
			continue
		}
		fmt.Fprintf(w, "\nIndex %d:\n", i)
		h.Print(w)
		binsUsed += h.BinsUsed()
	}
	fmt.Fprintf(w, " ** Total Histogram Bins Used: %d\n", binsUsed)
}

// PrintHistogramInfo 打印每个非零直方图的概要行
func PrintHistogramInfo(cp CombinedProfile, w io.Writer) {
	hists := cp.Histograms()
	fmt.Fprintf(w, "#%sIndex\tmin\tmax\tused\tmean\tstdev\tweight\tmaxW\n", cp.Name())
	for i, h := range hists {
		if h == nil || !h.NonZero() {
			continue
		}
		fmt.Fprintf(w, "%d\t%g\t%g\t%g\t%g\t%g\t%g\t%g\n",
			i, h.Min(), h.Max(),
			float64(h.BinsUsed())/float64(h.Bins()),
			h.Mean(false), h.Stdev(false),
			h.NonZeroWeight()/h.TotalWeight(),
			h.MaxWeight()/h.TotalWeight())
	}
}

// PrintHistogramStats 打印每个非零直方图的统计行
func PrintHistogramStats(cp CombinedProfile, w io.Writer) {
	fmt.Fprintf(w, "#%sIndex\tP/H\tPval\tOcc\tCov\tML\tSpan\temdU\temdN\n", cp.Name())
	for i, h := range cp.Histograms() {
		if h == nil || !h.NonZero() {
			continue
		}
		fmt.Fprintf(w, "%d\t", i)
		h.PrintStats(w)
		fmt.Fprintln(w)
	}
}

// PrintSummary 打印分布形态汇总：
// 条目数、直方图占比及覆盖拆分、非 1 点与 1 点占比
func PrintSummary(cp CombinedProfile, w io.Writer) {
	const covFull = 1.0 - 1.0e-10

	items, zero := 0, 0
	peq1cov1, pneq1cov1, peq1, pneq1 := 0, 0, 0, 0
	histcov1, hist := 0, 0

	for _, h := range cp.Histograms() {
		if h == nil || !h.NonZero() {
			zero++
			continue
		}
		items++
		if h.IsPoint() {
			if h.Min() == 1.0 {
				if h.Coverage() > covFull {
					peq1cov1++
				} else {
					peq1++
				}
			} else {
				if h.Coverage() > covFull {
					pneq1cov1++
				} else {
					pneq1++
				}
			}
		} else {
			if h.Coverage() > covFull {
				histcov1++
			} else {
				hist++
			}
		}
	}

	if items == 0 {
		fmt.Fprintf(w, "0 items (%d zero)\n", zero)
		return
	}
	fmt.Fprintf(w, "%d & %d & %d & %d && %d & %d\n",
		items,
		(hist+histcov1)*100/items, hist, histcov1,
		(pneq1+pneq1cov1)*100/items,
		(peq1+peq1cov1)*100/items)
}

// PrintDrift 对照打印两个档案的漂移：1 − overlap，
// 分别给出不含零质量和含零质量两列。
// 只出现在单侧的位置漂移记 1.0 并告警。
func PrintDrift(cp, other CombinedProfile, w, warn io.Writer) {
	h1s, h2s := cp.Histograms(), other.Histograms()

	// 两侧非零直方图位置的并集
	idx := make(map[int]bool)
	for i, h := range h1s {
		if h != nil && h.NonZero() {
			idx[i] = true
		}
	}
	for i, h := range h2s {
		if h != nil && h.NonZero() {
			idx[i] = true
		}
	}
	keys := make([]int, 0, len(idx))
	for i := range idx {
		keys = append(keys, i)
	}
	sort.Ints(keys)

	fmt.Fprintf(w, "#%sIndex\t0-out\t0-in\n", cp.Name())
	for _, i := range keys {
		var h1, h2 *Histogram
		if i < len(h1s) {
			h1 = h1s[i]
		}
		if i < len(h2s) {
			h2 = h2s[i]
		}
		if h1 == nil || h2 == nil || !h1.NonZero() || !h2.NonZero() {
			fmt.Fprintf(warn, "Warning: histogram %d only exists in one profile!\n", i)
			fmt.Fprintf(w, "%d\t1.0\t1.0\n", i)
			continue
		}
		if h1.IsPoint() && h2.IsPoint() && h1.Min() != h2.Min() {
			fmt.Fprintf(warn, "Warning: histogram %d has different point values\n", i)
			fmt.Fprintf(w, "%d\t1.0\t1.0\n", i)
			continue
		}
		fmt.Fprintf(w, "%d\t%g\t%g\n", i, 1-h1.Overlap(h2, false), 1-h1.Overlap(h2, true))
	}
}
