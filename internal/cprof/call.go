package cprof

import (
	"fmt"
	"io"

	"github.com/tangzhangming/solafdo/internal/ir"
	"github.com/tangzhangming/solafdo/internal/tlog"
)

// callStructure 调用档案的静态程序结构映射。
// 同一轮管线里的所有调用档案共享，只算一次。
type callStructure struct {
	histSlot   map[*ir.Block]int    // 含调用的块 → 直方图槽位
	slotBlock  []*ir.Block          // 槽位 → 块
	slotFunc   []*ir.Function       // 槽位 → 所属函数
	entrySlot  map[*ir.Function]int // 函数 → 入口计数器下标
	counterIdx map[*ir.Block]int    // 块 → 计数器下标
	counters   int                  // 计数器总数
}

var sharedCallStructure *callStructure

// FreeCallStaticData 释放共享结构映射，管线退出时调用
func FreeCallStaticData() {
	sharedCallStructure = nil
}

// buildCallStructure 走一遍模块：给含调用的块和（作为分母的）
// 函数入口块分配计数器下标；含调用的块再得到一个直方图槽位。
func buildCallStructure(m *ir.Module) *callStructure {
	cs := &callStructure{
		histSlot:   make(map[*ir.Block]int),
		entrySlot:  make(map[*ir.Function]int),
		counterIdx: make(map[*ir.Block]int),
	}

	for _, f := range m.Functions {
		if f.Declared {
			continue
		}
		hasAnyCall := false
		for _, b := range f.Blocks {
			if b.HasCall() {
				hasAnyCall = true
				break
			}
		}
		if !hasAnyCall {
			continue
		}

		for bi, b := range f.Blocks {
			isEntry := bi == 0
			bearsCall := b.HasCall()
			if !bearsCall && !isEntry {
				continue
			}

			idx := cs.counters
			cs.counterIdx[b] = idx
			cs.counters++
			if isEntry {
				cs.entrySlot[f] = idx
			}
			if bearsCall {
				cs.histSlot[b] = len(cs.slotBlock)
				cs.slotBlock = append(cs.slotBlock, b)
				cs.slotFunc = append(cs.slotFunc, f)
			}
		}
	}
	return cs
}

// CombinedCallProfile 组合调用档案
//
// 直方图向量按"含调用基本块"槽位密集索引；每次试跑把
// 块计数 / 所在函数入口计数 追加进对应直方图。
type CombinedCallProfile struct {
	profileBase
	structure *callStructure
	log       *tlog.Tee
}

// NewCombinedCallProfile 创建调用档案，首次调用时构建共享结构映射
func NewCombinedCallProfile(m *ir.Module, log *tlog.Tee) *CombinedCallProfile {
	if sharedCallStructure == nil {
		sharedCallStructure = buildCallStructure(m)
	}
	cp := &CombinedCallProfile{structure: sharedCallStructure, log: log}
	cp.histograms = make([]*Histogram, len(sharedCallStructure.slotBlock))
	return cp
}

// Kind 档案类型
func (cp *CombinedCallProfile) Kind() ProfilingType { return CombinedCallInfo }

// Name 类型名
func (cp *CombinedCallProfile) Name() string { return "call" }

// HasCall 块是否拥有调用档案槽位
func (cp *CombinedCallProfile) HasCall(b *ir.Block) bool {
	_, ok := cp.structure.histSlot[b]
	return ok
}

// IsEntry 块是否是所在函数"带调用的入口块"槽位
func (cp *CombinedCallProfile) IsEntry(b *ir.Block) bool {
	if b == nil || b.Parent == nil || b.Parent.Entry() != b {
		return false
	}
	_, ok := cp.structure.histSlot[b]
	return ok
}

// HistogramFor 取块的直方图，块没有槽位时返回 nil
func (cp *CombinedCallProfile) HistogramFor(b *ir.Block) *Histogram {
	slot, ok := cp.structure.histSlot[b]
	if !ok {
		return nil
	}
	return cp.histogramAt(slot)
}

// AddProfile 读入一次标准调用档案
func (cp *CombinedCallProfile) AddProfile(r io.Reader) error {
	count, err := readU32(r)
	if err != nil {
		return fmt.Errorf("call profiling info has no header: %w", err)
	}
	if int(count) != cp.structure.counters {
		return fmt.Errorf("call profile has %d counters, program structure expects %d",
			count, cp.structure.counters)
	}
	counters, err := readCounters(r, count)
	if err != nil {
		return fmt.Errorf("call profiling info header/data mismatch: %w", err)
	}

	cp.addWeight(1.0)

	for slot, b := range cp.structure.slotBlock {
		f := cp.structure.slotFunc[slot]

		var freq float64
		if f.Entry() == b {
			// 入口块相对自身恒为 1
			freq = 1
		} else {
			entryIdx, ok := cp.structure.entrySlot[f]
			if !ok {
				continue
			}
			if entryCnt := counters[entryIdx]; entryCnt != 0 {
				freq = float64(counters[cp.structure.counterIdx[b]]) / float64(entryCnt)
			}
		}
		cp.histogramAt(slot).AddToList(freq, 1.0)
	}
	return nil
}

// Serialize 只写出有数据的直方图
func (cp *CombinedCallProfile) Serialize(w io.Writer) (int, error) {
	count := uint32(0)
	for _, h := range cp.histograms {
		if h != nil && h.NonZeroWeight() > Eps {
			count++
		}
	}
	if err := writeProfileHeader(w, CombinedCallInfo, cp.weight, count, cp.bincount); err != nil {
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

// Deserialize 读入序列化的调用档案，缺席槽位落成空直方图
func (cp *CombinedCallProfile) Deserialize(r io.Reader) error {
	weight, count, bincount, err := readProfileHeader(r)
	if err != nil {
		return fmt.Errorf("combined call profiling data corrupt: %w", err)
	}
	cp.weight, cp.bincount = weight, bincount

	for n := uint32(0); n < count; n++ {
		h := NewHistogram()
		id, err := h.Deserialize(cp.bincount, cp.weight, r)
		if err != nil {
			return fmt.Errorf("unable to read call histogram: %w", err)
		}
		if int(id) >= len(cp.histograms) {
			resized := make([]*Histogram, id+1)
			copy(resized, cp.histograms)
			cp.histograms = resized
		}
		cp.histograms[id] = h
	}
	for i := range cp.histograms {
		if cp.histograms[i] == nil {
			cp.histograms[i] = NewHistogram()
		}
	}
	return nil
}

// BuildFromList 合并一组调用档案。结构映射共享，槽位天然对齐。
func (cp *CombinedCallProfile) BuildFromList(list []CombinedProfile, bincount uint32) error {
	if bincount == 0 {
		cp.bincount = calcBinCount(CombinedCallInfo, list, DefaultBins)
	} else {
		cp.bincount = bincount
	}
	cp.weight = 0

	if len(list) == 0 {
		return nil
	}

	slots := len(cp.structure.slotBlock)
	for _, other := range list {
		if other.Kind() != CombinedCallInfo {
			cp.log.Warnf("call buildFromList: profile in list is not a call profile")
			continue
		}
		cp.addWeight(other.TotalWeight())
		if len(other.Histograms()) > slots {
			slots = len(other.Histograms())
		}
	}

	cp.histograms = make([]*Histogram, slots)
	for i := 0; i < slots; i++ {
		var constituents []*Histogram
		for _, other := range list {
			if other.Kind() != CombinedCallInfo {
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
