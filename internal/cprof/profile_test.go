package cprof

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/tangzhangming/solafdo/internal/ir"
	"github.com/tangzhangming/solafdo/internal/tlog"
)

// branchModule 一个函数：A→{B,C}，B、C 返回
func branchModule() *ir.Module {
	m := ir.NewModule("test")
	f := &ir.Function{Name: "f"}

	a := &ir.Block{Name: "A", Parent: f}
	b := &ir.Block{Name: "B", Parent: f}
	c := &ir.Block{Name: "C", Parent: f}

	cond := &ir.Instr{Op: ir.OpCmp, Name: "cond"}
	a.Instrs = []*ir.Instr{cond}
	a.Term = ir.Terminator{Op: ir.OpCondBr, Val: cond, Succs: []*ir.Block{b, c}}
	b.Term = ir.Terminator{Op: ir.OpRet}
	c.Term = ir.Terminator{Op: ir.OpRet}
	f.Blocks = []*ir.Block{a, b, c}
	m.AddFunction(f)
	return m
}

// rawEdgeRecord 原始边档案记录体（不含类型标签）
func rawEdgeRecord(counters []uint32) *bytes.Reader {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(counters)))
	binary.Write(&buf, binary.LittleEndian, counters)
	return bytes.NewReader(buf.Bytes())
}

func TestEdgeProfileNormalization(t *testing.T) {
	defer FreeStaticData()
	log := tlog.New()

	cp, err := NewCombinedEdgeProfile(branchModule(), log)
	if err != nil {
		t.Fatalf("new edge profile: %v", err)
	}
	// 边：0 入口, 1 A→B, 2 A→C；入口支配两个分支
	if got := len(cp.Histograms()); got != 3 {
		t.Fatalf("histograms = %d, want 3", got)
	}

	if err := cp.AddProfile(rawEdgeRecord([]uint32{10, 7, 3})); err != nil {
		t.Fatalf("addProfile: %v", err)
	}
	if got := cp.TotalWeight(); got != 1 {
		t.Errorf("total weight = %g, want 1", got)
	}

	cp.BuildHistograms(5)
	wants := []float64{1.0, 0.7, 0.3}
	for i, want := range wants {
		h := cp.Histograms()[i]
		if !h.NonZero() {
			t.Fatalf("histogram %d empty", i)
		}
		if got := h.Mean(false); !almostEqual(got, want, 1e-9) {
			t.Errorf("histogram %d mean = %g, want %g", i, got, want)
		}
	}
}

func TestEdgeProfileRootNormalizesToOne(t *testing.T) {
	defer FreeStaticData()
	log := tlog.New()

	cp, err := NewCombinedEdgeProfile(branchModule(), log)
	if err != nil {
		t.Fatalf("new edge profile: %v", err)
	}
	// 根边计数为 0 也归一化到 1；支配边计数 0 的边记 0
	if err := cp.AddProfile(rawEdgeRecord([]uint32{0, 0, 0})); err != nil {
		t.Fatalf("addProfile: %v", err)
	}
	cp.BuildHistograms(5)

	if got := cp.Histograms()[0].Mean(false); !almostEqual(got, 1, 1e-9) {
		t.Errorf("root mean = %g, want 1", got)
	}
	if cp.Histograms()[1].NonZero() {
		t.Error("zero-count edge should have no nonzero mass")
	}
}

func TestEdgeProfileSerializeRoundTrip(t *testing.T) {
	defer FreeStaticData()
	log := tlog.New()
	m := branchModule()

	cp, err := NewCombinedEdgeProfile(m, log)
	if err != nil {
		t.Fatalf("new edge profile: %v", err)
	}
	cp.AddProfile(rawEdgeRecord([]uint32{10, 7, 3}))
	cp.AddProfile(rawEdgeRecord([]uint32{20, 5, 15}))
	cp.BuildHistograms(5)

	var buf bytes.Buffer
	written, err := cp.Serialize(&buf)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if written == 0 {
		t.Fatal("no histograms written")
	}

	// 消费类型标签，反序列化到新档案
	tag, err := readU32(&buf)
	if err != nil || ProfilingType(tag) != CombinedEdgeInfo {
		t.Fatalf("tag = %d, err = %v", tag, err)
	}
	cp2, err := NewCombinedEdgeProfile(m, log)
	if err != nil {
		t.Fatalf("new edge profile: %v", err)
	}
	if err := cp2.Deserialize(&buf); err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	if cp2.TotalWeight() != cp.TotalWeight() {
		t.Errorf("weight = %g, want %g", cp2.TotalWeight(), cp.TotalWeight())
	}
	if cp2.BinCount() != cp.BinCount() {
		t.Errorf("bincount = %d, want %d", cp2.BinCount(), cp.BinCount())
	}
	if len(cp2.Histograms()) != len(cp.Histograms()) {
		t.Fatalf("histograms = %d, want %d", len(cp2.Histograms()), len(cp.Histograms()))
	}
	for i := range cp.Histograms() {
		h1, h2 := cp.Histograms()[i], cp2.Histograms()[i]
		if h1.NonZero() != h2.NonZero() {
			t.Errorf("histogram %d nonzero mismatch", i)
			continue
		}
		if !h1.NonZero() {
			continue
		}
		if h1.Min() != h2.Min() || h1.Max() != h2.Max() {
			t.Errorf("histogram %d range mismatch", i)
		}
		for b := uint32(0); b < h1.Bins(); b++ {
			if !almostEqual(h1.BinWeight(b), h2.BinWeight(b), 1e-9) {
				t.Errorf("histogram %d bin %d mismatch", i, b)
			}
		}
	}
}

// callModule main 调 foo；foo 没有调用
func callModule() *ir.Module {
	m := ir.NewModule("test")

	foo := &ir.Function{Name: "foo"}
	fEntry := &ir.Block{Name: "entry", Parent: foo}
	fEntry.Term = ir.Terminator{Op: ir.OpRet}
	foo.Blocks = []*ir.Block{fEntry}

	main := &ir.Function{Name: "main"}
	mEntry := &ir.Block{Name: "entry", Parent: main}
	call := &ir.Instr{Op: ir.OpCall, Name: "c", Callee: "foo"}
	mEntry.Instrs = []*ir.Instr{call}
	mEntry.Term = ir.Terminator{Op: ir.OpRet}
	main.Blocks = []*ir.Block{mEntry}

	m.AddFunction(main)
	m.AddFunction(foo)
	return m
}

func TestCallProfile(t *testing.T) {
	defer FreeStaticData()
	log := tlog.New()
	m := callModule()

	cp := NewCombinedCallProfile(m, log)
	main := m.Lookup("main")
	entry := main.Entry()

	if !cp.HasCall(entry) {
		t.Fatal("main entry bears a call, HasCall should be true")
	}
	if !cp.IsEntry(entry) {
		t.Fatal("main entry with a call should be an entry slot")
	}
	if cp.HasCall(m.Lookup("foo").Entry()) {
		t.Error("foo entry has no call")
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // 一个计数器
	binary.Write(&buf, binary.LittleEndian, uint32(5))
	if err := cp.AddProfile(&buf); err != nil {
		t.Fatalf("addProfile: %v", err)
	}
	cp.BuildHistograms(20)

	h := cp.HistogramFor(entry)
	if h == nil || !h.NonZero() {
		t.Fatal("entry histogram should have data")
	}
	// 入口块相对自身恒为 1
	if !h.IsPoint() || h.Min() != 1.0 {
		t.Errorf("entry histogram = point(%v) min %g, want point at 1", h.IsPoint(), h.Min())
	}
}

func TestPathProfileAdd(t *testing.T) {
	defer FreeStaticData()
	log := tlog.New()

	m := ir.NewModule("test")
	f := &ir.Function{Name: "f"}
	a := &ir.Block{Name: "A", Parent: f}
	b := &ir.Block{Name: "B", Parent: f}
	c := &ir.Block{Name: "C", Parent: f}
	d := &ir.Block{Name: "D", Parent: f}
	cond := &ir.Instr{Op: ir.OpCmp, Name: "cond"}
	a.Instrs = []*ir.Instr{cond}
	a.Term = ir.Terminator{Op: ir.OpCondBr, Val: cond, Succs: []*ir.Block{b, c}}
	b.Term = ir.Terminator{Op: ir.OpBr, Succs: []*ir.Block{d}}
	c.Term = ir.Terminator{Op: ir.OpBr, Succs: []*ir.Block{d}}
	d.Term = ir.Terminator{Op: ir.OpRet}
	f.Blocks = []*ir.Block{a, b, c, d}
	m.AddFunction(f)

	cp := NewCombinedPathProfile(m, log)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // 一个函数
	binary.Write(&buf, binary.LittleEndian, PathHeader{FnNumber: 1, NumEntries: 2})
	binary.Write(&buf, binary.LittleEndian, PathTableEntry{PathNumber: 0, PathCounter: 3})
	binary.Write(&buf, binary.LittleEndian, PathTableEntry{PathNumber: 1, PathCounter: 1})
	if err := cp.AddProfile(&buf); err != nil {
		t.Fatalf("addProfile: %v", err)
	}
	cp.BuildHistograms(20)

	if got := cp.FunctionCount(); got != 1 {
		t.Fatalf("function count = %d, want 1", got)
	}
	h0 := cp.Histogram(1, 0)
	h1 := cp.Histogram(1, 1)
	if !almostEqual(h0.Mean(false), 0.75, 1e-9) {
		t.Errorf("path 0 mean = %g, want 0.75", h0.Mean(false))
	}
	if !almostEqual(h1.Mean(false), 0.25, 1e-9) {
		t.Errorf("path 1 mean = %g, want 0.25", h1.Mean(false))
	}
}

func TestPathProfileSerializeRoundTrip(t *testing.T) {
	defer FreeStaticData()
	log := tlog.New()

	m := ir.NewModule("test")
	f := &ir.Function{Name: "f"}
	entry := &ir.Block{Name: "entry", Parent: f}
	entry.Term = ir.Terminator{Op: ir.OpRet}
	f.Blocks = []*ir.Block{entry}
	m.AddFunction(f)

	cp := NewCombinedPathProfile(m, log)
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, PathHeader{FnNumber: 1, NumEntries: 1})
	binary.Write(&buf, binary.LittleEndian, PathTableEntry{PathNumber: 0, PathCounter: 4})
	if err := cp.AddProfile(&buf); err != nil {
		t.Fatalf("addProfile: %v", err)
	}
	cp.BuildHistograms(10)

	var out bytes.Buffer
	if _, err := cp.Serialize(&out); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	tag, _ := readU32(&out)
	if ProfilingType(tag) != CombinedPathInfo {
		t.Fatalf("tag = %d, want CombinedPathInfo", tag)
	}
	cp2 := NewCombinedPathProfile(m, log)
	if err := cp2.Deserialize(&out); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !cp2.Valid(PathID{1, 0}) {
		t.Fatal("path (1,0) missing after round trip")
	}
	h1, h2 := cp.Histogram(1, 0), cp2.Histogram(1, 0)
	if h1.Min() != h2.Min() || h1.Max() != h2.Max() {
		t.Error("path histogram range mismatch after round trip")
	}
}

func TestFactoryMergesTrials(t *testing.T) {
	defer FreeStaticData()
	log := tlog.New()
	m := branchModule()

	dir := t.TempDir()
	path := filepath.Join(dir, "trials.out")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// 两次试跑，每次以参数记录开头
	for _, counters := range [][]uint32{{10, 7, 3}, {10, 2, 8}} {
		binary.Write(file, binary.LittleEndian, uint32(ArgumentInfo))
		args := []byte("prog -x")
		binary.Write(file, binary.LittleEndian, uint32(len(args)))
		file.Write(args)
		file.Write(make([]byte, (4-len(args)%4)%4))
		if err := WriteEdgeProfile(file, counters); err != nil {
			t.Fatalf("write edge profile: %v", err)
		}
	}
	file.Close()

	fact := NewFactory(m, 5, log)
	if err := fact.BuildProfiles(path); err != nil {
		t.Fatalf("buildProfiles: %v", err)
	}
	if !fact.HasEdgeCP() {
		t.Fatal("factory should have an edge profile")
	}
	cp := fact.TakeEdgeCP()
	if cp == nil {
		t.Fatal("takeEdgeCP returned nil")
	}
	// 移交是一次性的
	if fact.HasEdgeCP() {
		t.Error("edge profile should be gone after take")
	}

	if got := cp.TotalWeight(); got != 2 {
		t.Errorf("total weight = %g, want 2", got)
	}
	// 根边两次都是 1
	h := cp.Histograms()[0]
	if !h.IsPoint() || h.Min() != 1 {
		t.Errorf("root histogram should be a point at 1")
	}
	// A→B 两次 0.7/0.2：范围覆盖两个值
	h1 := cp.Histograms()[1]
	if !almostEqual(h1.Min(), 0.2, 1e-9) || !almostEqual(h1.Max(), 0.7, 1e-9) {
		t.Errorf("edge 1 range = [%g, %g], want [0.2, 0.7]", h1.Min(), h1.Max())
	}
}

func TestFactoryUnknownTag(t *testing.T) {
	defer FreeStaticData()
	log := tlog.New()
	m := branchModule()

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.out")
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(0xdead))
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	fact := NewFactory(m, 0, log)
	if err := fact.BuildProfiles(path); err == nil {
		t.Fatal("expected unknown tag error")
	}
}
