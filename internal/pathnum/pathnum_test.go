package pathnum

import (
	"testing"

	"github.com/tangzhangming/solafdo/internal/ir"
)

func diamondFunc() *ir.Function {
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
	return f
}

func loopFunc() *ir.Function {
	f := &ir.Function{Name: "f"}
	a := &ir.Block{Name: "A", Parent: f}
	b := &ir.Block{Name: "B", Parent: f}
	c := &ir.Block{Name: "C", Parent: f}

	cond := &ir.Instr{Op: ir.OpCmp, Name: "cond"}
	b.Instrs = []*ir.Instr{cond}
	a.Term = ir.Terminator{Op: ir.OpBr, Succs: []*ir.Block{b}}
	b.Term = ir.Terminator{Op: ir.OpCondBr, Val: cond, Succs: []*ir.Block{a, c}}
	c.Term = ir.Terminator{Op: ir.OpRet}
	f.Blocks = []*ir.Block{a, b, c}
	return f
}

func TestPathNumbersDiamond(t *testing.T) {
	dag := Build(diamondFunc())
	if got := dag.NumPaths(); got != 2 {
		t.Fatalf("numPaths = %d, want 2", got)
	}
	// 两条路径的首边都是真实边
	for p := uint64(0); p < 2; p++ {
		if typ := dag.FirstEdgeType(p); typ != Normal {
			t.Errorf("firstEdgeType(%d) = %v, want Normal", p, typ)
		}
	}
	// 编号越界按影子边处理
	if typ := dag.FirstEdgeType(99); typ != SplitPhony {
		t.Errorf("firstEdgeType(99) = %v, want SplitPhony", typ)
	}
}

func TestPathNumbersLoop(t *testing.T) {
	dag := Build(loopFunc())
	n := dag.NumPaths()
	if n == 0 {
		t.Fatal("loop function should still have paths")
	}
	// 至少有一条正常路径（A→B→C）
	normal := 0
	for p := uint64(0); p < n; p++ {
		if dag.FirstEdgeType(p) == Normal {
			normal++
		}
	}
	if normal == 0 {
		t.Error("expected at least one normal path")
	}
}

func TestPathNumbersEmpty(t *testing.T) {
	f := &ir.Function{Name: "empty"}
	dag := Build(f)
	if got := dag.NumPaths(); got != 0 {
		t.Errorf("numPaths = %d, want 0", got)
	}
}
