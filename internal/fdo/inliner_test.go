package fdo

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tangzhangming/solafdo/internal/cprof"
	"github.com/tangzhangming/solafdo/internal/ir"
	"github.com/tangzhangming/solafdo/internal/tlog"
)

// mainFooModule main 调 foo；foo 是 10 条指令的单块函数
func mainFooModule() *ir.Module {
	m := ir.NewModule("test")

	foo := &ir.Function{Name: "foo"}
	fEntry := &ir.Block{Name: "entry", Parent: foo}
	for i := 0; i < 10; i++ {
		fEntry.Instrs = append(fEntry.Instrs, &ir.Instr{Op: ir.OpBinOp, Name: "op"})
	}
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

// pointCallProfile 给模块的每个调用槽位喂一次试跑，
// 产出点分布在 1.0 的调用档案
func pointCallProfile(t *testing.T, m *ir.Module) *cprof.CombinedCallProfile {
	t.Helper()
	log := tlog.New()
	cp := cprof.NewCombinedCallProfile(m, log)

	n := len(cp.Histograms())
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(n))
	for i := 0; i < n; i++ {
		binary.Write(&buf, binary.LittleEndian, uint32(1))
	}
	if err := cp.AddProfile(&buf); err != nil {
		t.Fatalf("addProfile: %v", err)
	}
	cp.BuildHistograms(20)
	return cp
}

func newTestInliner(m *ir.Module, opts Options) *Inliner {
	log := tlog.New()
	return NewInliner(m, opts, log, log, log, log, log)
}

func TestInlinerSingleStep(t *testing.T) {
	defer cprof.FreeStaticData()
	m := mainFooModule()
	callCP := pointCallProfile(t, m)

	inl := newTestInliner(m, Options{Metric: "mean", Budget: 20})
	totalSize := inl.Initialize(callCP)
	if totalSize != 11 {
		t.Fatalf("total size = %d, want 11", totalSize)
	}
	if got := inl.CandidateCount(); got != 1 {
		t.Fatalf("candidates = %d, want 1", got)
	}

	if !inl.Run() {
		t.Fatal("expected at least one inlining")
	}
	if got := inl.InlineCount(); got != 1 {
		t.Errorf("calls inlined = %d, want 1", got)
	}

	// 预算最多被吃掉被调体积
	spent := inl.stats.initialBudget - inl.stats.finalBudget
	if spent > 10 {
		t.Errorf("budget spent = %d, want <= 10", spent)
	}
	if spent < 0 {
		t.Errorf("budget grew by %d, must be monotonically non-increasing", -spent)
	}

	// foo 死了，它的候选都清掉了
	if got := inl.CandidateCount(); got != 0 {
		t.Errorf("candidates left = %d, want 0", got)
	}
	foo := m.Lookup("foo")
	if len(inl.callers[foo]) != 0 {
		t.Error("foo should have no callers left")
	}

	// main 真的长进去了 foo 的指令
	main := m.Lookup("main")
	if attr := inl.env.Attrs.Get(main); attr.Size != 10 {
		t.Errorf("main size = %d, want 10", attr.Size)
	}
	if attr := inl.env.Attrs.Get(main); attr.InlineCount != 1 {
		t.Errorf("main inline count = %d, want 1", attr.InlineCount)
	}
}

func TestInlinerBudgetTooSmall(t *testing.T) {
	defer cprof.FreeStaticData()
	m := mainFooModule()
	callCP := pointCallProfile(t, m)

	// 预算给 3：被调净体积 5 放不下，候选进 ignore
	inl := newTestInliner(m, Options{Metric: "mean", Budget: 3})
	inl.Initialize(callCP)
	inl.Run()

	if got := inl.InlineCount(); got != 0 {
		t.Errorf("calls inlined = %d, want 0", got)
	}
	if len(inl.ignore) != 1 {
		t.Errorf("ignore list = %d, want 1", len(inl.ignore))
	}
	for _, rec := range inl.ignore {
		if !rec.Ignored {
			t.Error("record on ignore list must be flagged ignored")
		}
	}
}

func TestInlinerNeverMetric(t *testing.T) {
	defer cprof.FreeStaticData()
	m := mainFooModule()
	callCP := pointCallProfile(t, m)

	// never 指标全是 -1：一个都不内联
	inl := newTestInliner(m, Options{Metric: "never", Budget: 0})
	inl.Initialize(callCP)
	inl.Run()
	if got := inl.InlineCount(); got != 0 {
		t.Errorf("calls inlined = %d, want 0", got)
	}
}

func TestInlinerDepthLimit(t *testing.T) {
	defer cprof.FreeStaticData()

	// main→a→b：内联 a 进 main 会派生 main→b 的候选，
	// 历史深度 1 挡住派生候选
	m := ir.NewModule("test")

	b := &ir.Function{Name: "b"}
	bEntry := &ir.Block{Name: "entry", Parent: b}
	for i := 0; i < 4; i++ {
		bEntry.Instrs = append(bEntry.Instrs, &ir.Instr{Op: ir.OpBinOp})
	}
	bEntry.Term = ir.Terminator{Op: ir.OpRet}
	b.Blocks = []*ir.Block{bEntry}

	a := &ir.Function{Name: "a"}
	aEntry := &ir.Block{Name: "entry", Parent: a}
	innerCall := &ir.Instr{Op: ir.OpCall, Name: "ic", Callee: "b"}
	aEntry.Instrs = []*ir.Instr{innerCall, {Op: ir.OpBinOp}, {Op: ir.OpBinOp}}
	aEntry.Term = ir.Terminator{Op: ir.OpRet}
	a.Blocks = []*ir.Block{aEntry}

	main := &ir.Function{Name: "main"}
	mEntry := &ir.Block{Name: "entry", Parent: main}
	call := &ir.Instr{Op: ir.OpCall, Name: "c", Callee: "a"}
	mEntry.Instrs = []*ir.Instr{call}
	mEntry.Term = ir.Terminator{Op: ir.OpRet}
	main.Blocks = []*ir.Block{mEntry}

	m.AddFunction(main)
	m.AddFunction(a)
	m.AddFunction(b)

	callCP := pointCallProfile(t, m)
	inl := newTestInliner(m, Options{Metric: "mean", Budget: 0, Depth: 1})
	inl.Initialize(callCP)
	inl.Run()

	// 深度 1：第一层内联可以做，派生的（历史长度 1）被拒
	if inl.stats.tooDeep == 0 {
		t.Error("expected depth-limited candidates")
	}
	for _, rec := range inl.candidates {
		if rec.Ignored {
			t.Error("sanity: ignored record on candidates list")
		}
	}
}

func TestInlinerFrontierSorted(t *testing.T) {
	defer cprof.FreeStaticData()
	m := mainFooModule()
	callCP := pointCallProfile(t, m)

	inl := newTestInliner(m, Options{Metric: "mean", Budget: 20})
	inl.Initialize(callCP)

	for i := 1; i < len(inl.candidates); i++ {
		if inl.candidates[i-1].MVal > inl.candidates[i].MVal {
			t.Fatal("candidates not sorted ascending by mval")
		}
	}
}

func TestComputeBudgetAuto(t *testing.T) {
	defer cprof.FreeStaticData()
	m := mainFooModule()
	inl := newTestInliner(m, Options{Metric: "mean", Budget: 1})

	tests := []struct {
		size    int
		wantPct float64 // 期望增长率，百分数（近似）；增长系数 maxPct=10 即 1000%
	}{
		{4000, 1000.0}, // 小于 minSize：封顶 maxPct
		{500000, 5.0},  // 大于 maxSize：托底 minPct
		{5000, 1000.0}, // 正好 minSize
		{425000, 5.1},  // 正好 maxSize 附近
	}
	for _, tt := range tests {
		b := inl.computeBudget(tt.size)
		pct := 100.0 * float64(b) / float64(tt.size)
		if pct > tt.wantPct+0.5 {
			t.Errorf("budget(%d) = %d (%.2f%%), want <= %.2f%%", tt.size, b, pct, tt.wantPct)
		}
		if b < 0 {
			t.Errorf("budget(%d) negative", tt.size)
		}
	}

	// 预算 0：不设限
	inl.opts.Budget = 0
	if b := inl.computeBudget(1000); b < 1<<30 {
		t.Errorf("unlimited budget = %d, too small", b)
	}
	// 字面预算
	inl.opts.Budget = 1234
	if b := inl.computeBudget(1000); b != 1234 {
		t.Errorf("literal budget = %d, want 1234", b)
	}
}

func TestMetricRegistry(t *testing.T) {
	defer cprof.FreeStaticData()
	m := mainFooModule()
	env := NewEnv(m, tlog.New())

	if err := env.SelectMetric("nosuch", nil); err == nil {
		t.Error("unknown metric should fail")
	}
	if err := env.SelectMetric("QPLinear", nil); err == nil {
		t.Error("QPLinear without quantiles should fail")
	}
	if err := env.SelectMetric("QRLinear", []float64{0.5}); err == nil {
		t.Error("QRLinear with one quantile should fail")
	}
	if err := env.SelectMetric("QRLinear", []float64{0.1, 0.5, 0.9}); err == nil {
		t.Error("QRLinear with odd quantile count should fail")
	}

	// 百分数归一化
	if err := env.SelectMetric("QPLinear", []float64{50, 90}); err != nil {
		t.Fatalf("selectMetric: %v", err)
	}
	want := []float64{0.5, 0.9}
	for i, q := range env.qlist {
		if !floatNear(q, want[i]) {
			t.Errorf("qlist[%d] = %g, want %g", i, q, want[i])
		}
	}

	if err := env.SelectMetric("QPLinear", []float64{150}); err == nil {
		t.Error("quantile above 100 should fail")
	}
	if err := env.SelectMetric("mean", nil); err != nil {
		t.Errorf("selectMetric(mean): %v", err)
	}
}

func floatNear(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}
