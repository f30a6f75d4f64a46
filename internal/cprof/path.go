package cprof

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/tangzhangming/solafdo/internal/ir"
	"github.com/tangzhangming/solafdo/internal/pathnum"
	"github.com/tangzhangming/solafdo/internal/tlog"
)

// PathID (函数号, 路径号) 二元组
type PathID struct {
	Function uint32
	Path     uint32
}

// CombinedPathProfile 组合路径档案
//
// 直方图槽位在向量里连续分配但位置无含义，
// 嵌套映射 函数号 → (路径号 → 槽位) 负责定位。
type CombinedPathProfile struct {
	profileBase
	functions map[uint32]map[uint32]int // 函数号 → 路径号 → 槽位
	funcRef   []*ir.Function            // 函数号-1 → 函数
	log       *tlog.Tee
}

// NewCombinedPathProfile 创建路径档案
func NewCombinedPathProfile(m *ir.Module, log *tlog.Tee) *CombinedPathProfile {
	cp := &CombinedPathProfile{
		functions: make(map[uint32]map[uint32]int),
		log:       log,
	}
	for _, f := range m.Functions {
		if !f.Declared {
			cp.funcRef = append(cp.funcRef, f)
		}
	}
	return cp
}

// Kind 档案类型
func (cp *CombinedPathProfile) Kind() ProfilingType { return CombinedPathInfo }

// Name 类型名
func (cp *CombinedPathProfile) Name() string { return "path" }

// FunctionCount 有路径数据的函数个数
func (cp *CombinedPathProfile) FunctionCount() int { return len(cp.functions) }

// Valid 函数和路径是否已有槽位
func (cp *CombinedPathProfile) Valid(id PathID) bool {
	paths, ok := cp.functions[id.Function]
	if !ok {
		return false
	}
	_, ok = paths[id.Path]
	return ok
}

// Histogram 取 (函数, 路径) 的直方图，按需分配槽位
func (cp *CombinedPathProfile) Histogram(funcNum, pathNum uint32) *Histogram {
	paths, ok := cp.functions[funcNum]
	if !ok {
		paths = make(map[uint32]int)
		cp.functions[funcNum] = paths
	}
	slot, ok := paths[pathNum]
	if !ok {
		slot = len(cp.histograms)
		cp.histograms = append(cp.histograms, NewHistogram())
		paths[pathNum] = slot
	}
	if cp.histograms[slot] == nil {
		cp.histograms[slot] = NewHistogram()
	}
	return cp.histograms[slot]
}

// AddProfile 读入一次标准路径档案。
// 每个函数重建路径 DAG，统计正常路径（首边非影子边）的总执行
// 次数，各记录路径的频率 = 计数 / 正常总量。
func (cp *CombinedPathProfile) AddProfile(r io.Reader) error {
	functionCount, err := readU32(r)
	if err != nil {
		return fmt.Errorf("path profiling info has no header: %w", err)
	}

	cp.addWeight(1.0)

	for i := uint32(0); i < functionCount; i++ {
		var hdr PathHeader
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return fmt.Errorf("bad path profiling file syntax: %w", err)
		}
		if hdr.FnNumber == 0 || int(hdr.FnNumber) > len(cp.funcRef) {
			return fmt.Errorf("path profile: function number %d out of range", hdr.FnNumber)
		}

		// 重建该函数的路径 DAG
		dag := pathnum.Build(cp.funcRef[hdr.FnNumber-1])

		entries := make([]PathTableEntry, 0, hdr.NumEntries)
		totalNormal := uint64(0)
		for j := uint32(0); j < hdr.NumEntries; j++ {
			var pte PathTableEntry
			if err := binary.Read(r, binary.LittleEndian, &pte); err != nil {
				return fmt.Errorf("bad path profiling file syntax: %w", err)
			}
			entries = append(entries, pte)
			if dag.FirstEdgeType(uint64(pte.PathNumber)) == pathnum.Normal &&
				totalNormal < math.MaxUint32 {
				totalNormal += uint64(pte.PathCounter)
			}
		}

		for _, pte := range entries {
			if pte.PathCounter == 0 || totalNormal == 0 {
				continue
			}
			freq := float64(pte.PathCounter) / float64(totalNormal)
			cp.Histogram(hdr.FnNumber, pte.PathNumber).AddToList(freq, 1.0)
		}
	}
	return nil
}

// sortedFuncNums 函数号升序，保证序列化确定性
func (cp *CombinedPathProfile) sortedFuncNums() []uint32 {
	out := make([]uint32, 0, len(cp.functions))
	for fn := range cp.functions {
		out = append(out, fn)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// sortedPathNums 路径号升序
func sortedPathNums(paths map[uint32]int) []uint32 {
	out := make([]uint32, 0, len(paths))
	for p := range paths {
		out = append(out, p)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Serialize 写出路径档案：档案头，然后每个函数一个函数头
// 加它的直方图
func (cp *CombinedPathProfile) Serialize(w io.Writer) (int, error) {
	if err := writeProfileHeader(w, CombinedPathInfo, cp.weight, uint32(len(cp.functions)), cp.bincount); err != nil {
		return 0, err
	}

	written := 0
	for _, fn := range cp.sortedFuncNums() {
		paths := cp.functions[fn]
		hdr := PathHeader{FnNumber: fn, NumEntries: uint32(len(paths))}
		if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
			return written, fmt.Errorf("unable to write path function header: %w", err)
		}
		for _, pn := range sortedPathNums(paths) {
			h := cp.histograms[paths[pn]]
			if err := h.Serialize(pn, w); err != nil {
				return written, fmt.Errorf("failed to serialize path histogram f:%d p:%d: %w", fn, pn, err)
			}
			written++
		}
	}
	return written, nil
}

// Deserialize 读入序列化的路径档案
func (cp *CombinedPathProfile) Deserialize(r io.Reader) error {
	weight, funcCount, bincount, err := readProfileHeader(r)
	if err != nil {
		return fmt.Errorf("combined path profiling data corrupt: %w", err)
	}
	cp.weight, cp.bincount = weight, bincount

	for funcCount > 0 {
		funcCount--
		var hdr PathHeader
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return fmt.Errorf("failed to read path header: %w", err)
		}
		for hdr.NumEntries > 0 {
			hdr.NumEntries--
			h := NewHistogram()
			pathNum, err := h.Deserialize(cp.bincount, cp.weight, r)
			if err != nil {
				return fmt.Errorf("failed to read path histogram: %w", err)
			}
			slot := len(cp.histograms)
			cp.histograms = append(cp.histograms, h)
			paths, ok := cp.functions[hdr.FnNumber]
			if !ok {
				paths = make(map[uint32]int)
				cp.functions[hdr.FnNumber] = paths
			}
			paths[pathNum] = slot
		}
	}
	return nil
}

// BuildFromList 合并一组路径档案。位置对齐按 (函数号, 路径号)，
// 槽位重新分配。
func (cp *CombinedPathProfile) BuildFromList(list []CombinedProfile, bincount uint32) error {
	if len(list) == 0 {
		return nil
	}
	if bincount == 0 {
		cp.bincount = calcBinCount(CombinedPathInfo, list, DefaultBins)
	} else {
		cp.bincount = bincount
	}
	cp.weight = 0
	cp.histograms = nil
	cp.functions = make(map[uint32]map[uint32]int)

	var cpps []*CombinedPathProfile
	for _, other := range list {
		cpp, ok := other.(*CombinedPathProfile)
		if !ok {
			cp.log.Warnf("path buildFromList: profile in list is not a path profile")
			continue
		}
		cp.weight += cpp.weight
		cpps = append(cpps, cpp)
	}

	// 路径全集
	idSet := make(map[PathID]bool)
	for _, cpp := range cpps {
		for fn, paths := range cpp.functions {
			for pn := range paths {
				idSet[PathID{fn, pn}] = true
			}
		}
	}
	ids := make([]PathID, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		if ids[a].Function != ids[b].Function {
			return ids[a].Function < ids[b].Function
		}
		return ids[a].Path < ids[b].Path
	})

	for _, id := range ids {
		var constituents []*Histogram
		for _, cpp := range cpps {
			if cpp.Valid(id) {
				constituents = append(constituents, cpp.Histogram(id.Function, id.Path))
			}
		}
		merged := NewHistogramFromList(cp.bincount, cp.weight, constituents)
		slot := len(cp.histograms)
		cp.histograms = append(cp.histograms, merged)
		paths, ok := cp.functions[id.Function]
		if !ok {
			paths = make(map[uint32]int)
			cp.functions[id.Function] = paths
		}
		paths[id.Path] = slot
	}
	return nil
}

// PathSet 收集全部 PathID
func (cp *CombinedPathProfile) PathSet(out map[PathID]bool) {
	for fn, paths := range cp.functions {
		for pn := range paths {
			out[PathID{fn, pn}] = true
		}
	}
}

// PrintDrift 路径档案的漂移要按 PathID 对齐：
// 槽位在不同档案间没有一致性
func (cp *CombinedPathProfile) PrintDrift(other *CombinedPathProfile, w, warn io.Writer) {
	ids := make(map[PathID]bool)
	cp.PathSet(ids)
	other.PathSet(ids)

	sorted := make([]PathID, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Function != sorted[b].Function {
			return sorted[a].Function < sorted[b].Function
		}
		return sorted[a].Path < sorted[b].Path
	})

	fmt.Fprintf(w, "#pathID\t0-out\t0-in\n")
	for _, id := range sorted {
		if !cp.Valid(id) || !other.Valid(id) {
			fmt.Fprintf(warn, "warning: path exists in only 1 profile: %d-%d\n", id.Function, id.Path)
			fmt.Fprintf(w, "%d-%d\t1.0\t1.0\n", id.Function, id.Path)
			continue
		}
		h1 := cp.Histogram(id.Function, id.Path)
		h2 := other.Histogram(id.Function, id.Path)
		if h1.IsPoint() && h2.IsPoint() {
			continue
		}
		fmt.Fprintf(w, "%d-%d\t%g\t%g\n", id.Function, id.Path,
			1-h1.Overlap(h2, false), 1-h1.Overlap(h2, true))
	}
}
