package cprof

import (
	"fmt"
	"io"

	"github.com/tangzhangming/solafdo/internal/edt"
	"github.com/tangzhangming/solafdo/internal/ir"
	"github.com/tangzhangming/solafdo/internal/tlog"
)

// 同一轮管线里所有边档案共用一棵支配树
var sharedEDT *edt.EdgeDominatorTree

// FreeEdgeStaticData 释放共享支配树，管线退出时调用
func FreeEdgeStaticData() {
	sharedEDT = nil
}

// CombinedEdgeProfile 组合边档案
//
// 直方图向量按全局边编号密集索引，长度跟随支配树边数。
// 原始计数按"边 / 其直接支配边"做层级归一化后入样本表。
type CombinedEdgeProfile struct {
	profileBase
	log *tlog.Tee
}

// NewCombinedEdgeProfile 创建边档案，首次调用时构建共享支配树
func NewCombinedEdgeProfile(m *ir.Module, log *tlog.Tee) (*CombinedEdgeProfile, error) {
	if sharedEDT == nil {
		t, err := edt.NewEdgeDominatorTree(m, log)
		if err != nil {
			return nil, fmt.Errorf("failed to build edge dominator tree: %w", err)
		}
		sharedEDT = t
	}
	cp := &CombinedEdgeProfile{log: log}
	cp.histograms = make([]*Histogram, sharedEDT.EdgeCount())
	return cp, nil
}

// Kind 档案类型
func (cp *CombinedEdgeProfile) Kind() ProfilingType { return CombinedEdgeInfo }

// Name 类型名
func (cp *CombinedEdgeProfile) Name() string { return "edge" }

// EDT 共享支配树
func (cp *CombinedEdgeProfile) EDT() *edt.EdgeDominatorTree { return sharedEDT }

// AddProfile 读入一次标准边档案，把层级归一化频率追加到
// 对应直方图的样本表。根边归一化为 1；支配边计数为 0 时记 0。
func (cp *CombinedEdgeProfile) AddProfile(r io.Reader) error {
	if sharedEDT == nil {
		return fmt.Errorf("edge profile: dominator tree not set")
	}

	edgeCount, err := readU32(r)
	if err != nil {
		return fmt.Errorf("edge profiling info has no header: %w", err)
	}
	if len(cp.histograms) != int(edgeCount) {
		if len(cp.histograms) != 0 {
			cp.log.Warnf("edge profile: edge count changed from %d to %d", len(cp.histograms), edgeCount)
		}
		resized := make([]*Histogram, edgeCount)
		copy(resized, cp.histograms)
		cp.histograms = resized
	}

	counters, err := readCounters(r, edgeCount)
	if err != nil {
		return fmt.Errorf("edge profiling info header/data mismatch: %w", err)
	}

	cp.addWeight(1.0)

	for i := uint32(0); i < edgeCount; i++ {
		execCnt := counters[i]
		domID := sharedEDT.DominatorIndex(i)

		var normFreq float64
		if domID == i {
			// 无支配边或自支配：根边，即使计数为 0 也归一化到 1
			normFreq = 1
		} else if domCnt := counters[domID]; domCnt != 0 {
			normFreq = float64(execCnt) / float64(domCnt)
		}
		cp.histogramAt(int(i)).AddToList(normFreq, 1.0)
	}
	return nil
}

// Serialize 只写出有数据的直方图
func (cp *CombinedEdgeProfile) Serialize(w io.Writer) (int, error) {
	count := uint32(0)
	for _, h := range cp.histograms {
		if h != nil && h.NonZeroWeight() > Eps {
			count++
		}
	}

	if err := writeProfileHeader(w, CombinedEdgeInfo, cp.weight, count, cp.bincount); err != nil {
		return 0, err
	}

	written := 0
	for i, h := range cp.histograms {
		if h == nil || h.NonZeroWeight() <= Eps {
			continue
		}
		if err := h.Serialize(uint32(i), w); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// Deserialize 读入序列化的边档案，缺席位置落成空直方图
func (cp *CombinedEdgeProfile) Deserialize(r io.Reader) error {
	weight, edgeCount, bincount, err := readProfileHeader(r)
	if err != nil {
		return fmt.Errorf("combined edge profiling data corrupt: %w", err)
	}
	cp.weight, cp.bincount = weight, bincount

	if edgeCount == 0 {
		cp.log.Warnf("warning: no edges in combined edge profile")
	}

	for n := uint32(0); n < edgeCount; n++ {
		h := NewHistogram()
		id, err := h.Deserialize(cp.bincount, cp.weight, r)
		if err != nil {
			return fmt.Errorf("unable to read edge histogram: %w", err)
		}
		if int(id) >= len(cp.histograms) {
			resized := make([]*Histogram, id+1)
			copy(resized, cp.histograms)
			cp.histograms = resized
		}
		cp.histograms[id] = h
	}

	// 补齐缺席的直方图
	for i := range cp.histograms {
		if cp.histograms[i] == nil {
			cp.histograms[i] = NewHistogram()
		}
	}
	return nil
}

// BuildFromList 合并一组边档案：权重求和，每个位置用非零成员
// 重建新直方图
func (cp *CombinedEdgeProfile) BuildFromList(list []CombinedProfile, bincount uint32) error {
	if bincount == 0 {
		cp.bincount = calcBinCount(CombinedEdgeInfo, list, DefaultBins)
	} else {
		cp.bincount = bincount
	}
	cp.weight = 0

	if len(list) == 0 {
		return nil
	}

	edgeCount := 0
	for _, other := range list {
		if other.Kind() != CombinedEdgeInfo {
			continue
		}
		edgeCount = len(other.Histograms())
		break
	}

	cp.histograms = make([]*Histogram, edgeCount)

	for _, other := range list {
		if other.Kind() != CombinedEdgeInfo {
			cp.log.Warnf("edge buildFromList: profile in list is not an edge profile")
			continue
		}
		cp.addWeight(other.TotalWeight())
		if len(other.Histograms()) != edgeCount {
			cp.log.Warnf("edge buildFromList: edge count mismatch: %d vs %d",
				len(other.Histograms()), edgeCount)
		}
	}

	for i := 0; i < edgeCount; i++ {
		var constituents []*Histogram
		for _, other := range list {
			if other.Kind() != CombinedEdgeInfo {
				continue
			}
			hists := other.Histograms()
			if i < len(hists) && hists[i] != nil && hists[i].NonZero() {
				constituents = append(constituents, hists[i])
			}
		}
		cp.histograms[i] = NewHistogramFromList(cp.bincount, cp.weight, constituents)
	}
	return nil
}

// Histogram 按边编号取直方图
func (cp *CombinedEdgeProfile) Histogram(e edt.EdgeIndex) *Histogram {
	if int(e) >= len(cp.histograms) {
		return nil
	}
	return cp.histogramAt(int(e))
}
