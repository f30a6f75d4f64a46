package fdo

import (
	"fmt"
	"math"
	"sort"

	"github.com/tangzhangming/solafdo/internal/cprof"
	"github.com/tangzhangming/solafdo/internal/ir"
	"github.com/tangzhangming/solafdo/internal/tlog"
)

// Options 内联器选项
type Options struct {
	Metric    string    // 指标名
	Quantiles []float64 // Q 系指标的分位点
	Budget    uint32    // 0 无限制，1 自动计算，其余为字面指令数
	Depth     uint32    // 内联历史深度上限，0 不限
}

// Inliner 贪心内联驱动
//
// candidates 按指标值升序维护，队尾是最优候选；ignore 收容
// 必须跟踪但不能选的记录；records 把调用指令映射到两个列表
// 里的记录；callers 记录每个函数当前的调用点集合。
type Inliner struct {
	env  *Env
	opts Options

	candidates []*CallRecord
	ignore     []*CallRecord
	records    map[*ir.Instr]*CallRecord
	callers    map[*ir.Function]map[*ir.Instr]bool
	removed    map[*ir.Instr]bool

	debug   *tlog.Tee
	count   *tlog.Tee
	cseval  *tlog.Tee
	dead    *tlog.Tee
	hashlog *tlog.Tee

	totalSize int
	stats     inlineStats
}

// inlineStats 主循环统计
type inlineStats struct {
	inlineCount   int
	inlineFail    int
	neverInline   int
	candConvert   int
	missingRecord int
	tooDeep       int
	tooBig        int
	newCand       int
	newIgnore     int
	newNotCand    int
	endSkip       int
	deadCalls     int
	numCandidates int
	initialBudget int
	finalBudget   int
}

// NewInliner 创建内联器。
// debug 是诊断流，count/cseval/dead/hash 是四个报告流。
func NewInliner(m *ir.Module, opts Options, debug, count, cseval, dead, hashlog *tlog.Tee) *Inliner {
	return &Inliner{
		env:     NewEnv(m, debug),
		opts:    opts,
		records: make(map[*ir.Instr]*CallRecord),
		callers: make(map[*ir.Function]map[*ir.Instr]bool),
		removed: make(map[*ir.Instr]bool),
		debug:   debug,
		count:   count,
		cseval:  cseval,
		dead:    dead,
		hashlog: hashlog,
	}
}

// Env 评估环境（测试用）
func (inl *Inliner) Env() *Env { return inl.env }

// isInliningCandidate 基本筛查：直接调用、非内建、非递归、
// 有定义
func (inl *Inliner) isInliningCandidate(caller *ir.Function, in *ir.Instr) bool {
	if in == nil || in.Op != ir.OpCall {
		return false
	}
	// 间接调用没法内联，不赌它以后会被解析
	if in.Callee == "" {
		return false
	}
	callee := inl.env.Module.Lookup(in.Callee)
	if callee == nil || callee.Declared {
		return false
	}
	// 直接递归不收
	if callee == caller {
		return false
	}
	return true
}

// Initialize 装载调用档案、选指标、算函数属性、扫描候选并排序。
// 返回程序总体积，0 表示失败。
func (inl *Inliner) Initialize(callCP *cprof.CombinedCallProfile) int {
	inl.debug.Tracef("--> Inliner.Initialize")

	if callCP == nil {
		inl.debug.Errorf("inliner: no call profile")
		return 0
	}

	if err := inl.env.SelectMetric(inl.opts.Metric, inl.opts.Quantiles); err != nil {
		inl.debug.Errorf("inliner: could not select metric: %v", err)
		return 0
	}

	// 函数属性缓存 + 总体积
	totalSize := 0
	for _, f := range inl.env.Module.Functions {
		if f.Declared {
			continue
		}
		totalSize += inl.env.Attrs.Recalc(f)
	}

	inl.debug.Tracef("    Scanning for inlining candidates in %d functions",
		len(inl.env.Module.Functions))

	for _, f := range inl.env.Module.Functions {
		for _, bb := range f.Blocks {
			for _, in := range bb.Instrs {
				if !inl.isInliningCandidate(f, in) {
					continue
				}
				cs := CallSite{Caller: f, Block: bb, Call: in}
				rec := NewCallRecord(cs, callCP.HistogramFor(bb), inl.env)

				callee := inl.env.Module.Lookup(in.Callee)
				inl.addCaller(callee, rec.CS.Call)
				inl.candidates = append(inl.candidates, rec)
				inl.records[in] = rec

				inl.debug.Verbosef("CallSite %d: %s", rec.ID, rec.FormatCS())
			}
		}
	}

	// 信息齐了才能评估候选
	inl.debug.Infof("    Evaluate mvals")
	for _, rec := range inl.candidates {
		rec.EvalMetric()
		inl.cseval.Printf("%d\t%s\t%.4f", rec.ID, rec.FormatCS(), rec.MVal)
	}

	inl.debug.Infof("    Sort candidates")
	sort.SliceStable(inl.candidates, func(a, b int) bool {
		return inl.candidates[a].MVal < inl.candidates[b].MVal
	})

	inl.totalSize = totalSize
	inl.debug.Tracef("<-- Inliner.Initialize")
	return totalSize
}

// addCaller 登记调用关系
func (inl *Inliner) addCaller(callee *ir.Function, call *ir.Instr) {
	if callee == nil {
		return
	}
	set, ok := inl.callers[callee]
	if !ok {
		set = make(map[*ir.Instr]bool)
		inl.callers[callee] = set
	}
	set[call] = true
}

// computeBudget 代码膨胀预算。
// 0 不设限；1 按程序规模自动：增长率随 1/√size 衰减，
// 卡在 [minPct, maxPct]；其余为字面值。
func (inl *Inliner) computeBudget(size int) int {
	switch inl.opts.Budget {
	case 0:
		return math.MaxInt32
	case 1:
		const (
			minPct  = 0.05
			maxPct  = 10.0
			maxSize = 425000.0
			minSize = 5000.0
		)
		scale := maxPct / (1/math.Sqrt(minSize) - 1/math.Sqrt(maxSize))

		var growthFactor float64
		switch {
		case float64(size) >= maxSize:
			growthFactor = minPct
		case float64(size) <= minSize:
			growthFactor = maxPct
		default:
			growthFactor = scale*(1/math.Sqrt(float64(size))-1/math.Sqrt(maxSize)) + minPct
		}
		if growthFactor < minPct {
			growthFactor = minPct
		}
		if growthFactor > maxPct {
			growthFactor = maxPct
		}
		b := int(math.Floor(growthFactor * float64(size)))
		inl.debug.Infof("** Inlining Budget: %d +%2.1f%% = %d",
			size, 100.0*float64(b)/float64(size), b)
		return b
	}
	return int(inl.opts.Budget)
}

// insert 有序插入新候选（升序，在首个不小于它的位置之前）
func (inl *Inliner) insert(rec *CallRecord) {
	idx := sort.Search(len(inl.candidates), func(i int) bool {
		return !(inl.candidates[i].MVal < rec.MVal)
	})
	inl.candidates = append(inl.candidates, nil)
	copy(inl.candidates[idx+1:], inl.candidates[idx:])
	inl.candidates[idx] = rec
	inl.records[rec.CS.Call] = rec

	// 忽略中的记录进 candidates 在语义上说不通
	if rec.Ignored {
		rec.Ignored = false
		inl.debug.Warnf("insert: ignored record inserted; set not-ignored: %s", rec.FormatCS())
	}
}

// ignoreCandidateAt 把候选挪进 ignore
func (inl *Inliner) ignoreCandidateAt(idx int) {
	rec := inl.candidates[idx]
	rec.Ignored = true
	inl.candidates = append(inl.candidates[:idx], inl.candidates[idx+1:]...)
	inl.ignore = append([]*CallRecord{rec}, inl.ignore...)
	inl.records[rec.CS.Call] = rec
}

// ignoreCS 忽略一个调用点：有候选记录就挪走，没有就建一条
// 空白的忽略记录占位
func (inl *Inliner) ignoreCS(cs CallSite) {
	if rec, ok := inl.records[cs.Call]; ok {
		if rec.Ignored {
			return
		}
		for i, c := range inl.candidates {
			if c == rec {
				inl.ignoreCandidateAt(i)
				return
			}
		}
		return
	}
	rec := NewCallRecord(cs, nil, inl.env)
	rec.Ignored = true
	inl.ignore = append([]*CallRecord{rec}, inl.ignore...)
	inl.records[cs.Call] = rec
}

// removeAt 从候选列表删除记录
func (inl *Inliner) removeAt(idx int) {
	rec := inl.candidates[idx]
	inl.candidates = append(inl.candidates[:idx], inl.candidates[idx+1:]...)
	inl.unrecord(rec)
}

// unrecord 注销记录：解除调用关系、映射，登记已删除
func (inl *Inliner) unrecord(rec *CallRecord) {
	if callee := rec.Callee(); callee != nil {
		delete(inl.callers[callee], rec.CS.Call)
	}
	delete(inl.records, rec.CS.Call)
	inl.removed[rec.CS.Call] = true
}

// remove 按调用点删除记录（候选或忽略里均可）
func (inl *Inliner) remove(cs CallSite) bool {
	if inl.removed[cs.Call] {
		inl.debug.Errorf("remove: already removed callsite")
		return false
	}
	rec, ok := inl.records[cs.Call]
	if !ok {
		inl.debug.Errorf("remove: no record of callsite")
		return false
	}

	if rec.Ignored {
		for i, c := range inl.ignore {
			if c == rec {
				inl.ignore = append(inl.ignore[:i], inl.ignore[i+1:]...)
				inl.unrecord(rec)
				return true
			}
		}
	} else {
		for i, c := range inl.candidates {
			if c == rec {
				inl.removeAt(i)
				return true
			}
		}
	}

	inl.debug.Errorf("remove: failed to remove record %d", rec.ID)
	return false
}

// removeDeadCallee 函数死亡后递归清理它体内的候选。
// 返回清理的调用点数。
func (inl *Inliner) removeDeadCallee(f *ir.Function) int {
	if f == nil {
		return 0
	}

	// 还有人调用、被取过地址、或是程序入口的都不算死
	if len(inl.callers[f]) != 0 {
		return 0
	}
	attr := inl.env.Attrs.Get(f)
	if attr.AddressTaken || f.Name == inl.env.Module.EntryName {
		return 0
	}

	inl.debug.Infof("Callee is dead: %s", f.Name)

	removedCalls := 0
	callees := make(map[*ir.Function]bool)
	for _, bb := range f.Blocks {
		for _, in := range bb.Instrs {
			if !inl.isInliningCandidate(f, in) {
				continue
			}
			if callee := inl.env.Module.Lookup(in.Callee); callee != nil {
				callees[callee] = true
			}
			if inl.remove(CallSite{Caller: f, Block: bb, Call: in}) {
				removedCalls++
			}
		}
	}

	// 死函数的被调函数可能跟着死，确定性地按名字排序递归
	sorted := make([]*ir.Function, 0, len(callees))
	for callee := range callees {
		sorted = append(sorted, callee)
	}
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Name < sorted[b].Name })
	for _, callee := range sorted {
		removedCalls += inl.removeDeadCallee(callee)
	}
	return removedCalls
}

// updateCallers 调用者长大了，重评所有调用它的记录
func (inl *Inliner) updateCallers(caller *ir.Function) bool {
	if caller == nil {
		inl.debug.Errorf("updateCallers: nil caller")
		return false
	}

	changed := false
	for call := range inl.callers[caller] {
		rec, ok := inl.records[call]
		if !ok {
			inl.debug.Errorf("updateCallers: no record for caller of %s", caller.Name)
			return false
		}
		if !rec.Ignored {
			rec.EvalMetric()
			changed = true
		}
	}

	// 重评会打乱排序，恢复不变式
	if changed {
		sort.SliceStable(inl.candidates, func(a, b int) bool {
			return inl.candidates[a].MVal < inl.candidates[b].MVal
		})
	}
	return true
}

// sanityCheckLists 列表不变式：candidates 全部未忽略，
// ignore 全部已忽略
func (inl *Inliner) sanityCheckLists() bool {
	sane := true
	for _, rec := range inl.candidates {
		if rec.Ignored {
			inl.debug.Errorf("Error: ignored candidate: %d %s", rec.ID, rec.FormatCS())
			sane = false
		}
	}
	for _, rec := range inl.ignore {
		if !rec.Ignored {
			inl.debug.Errorf("Error: not-ignored ignore: %d %s", rec.ID, rec.FormatCS())
			sane = false
		}
	}
	return sane
}

// Run 主循环：最优优先地内联直到预算耗尽或无候选。
// 返回是否做过至少一次内联。
func (inl *Inliner) Run() bool {
	if !inl.sanityCheckLists() {
		inl.debug.Errorf("inliner: initial sanity check failed")
		return false
	}

	inl.stats.numCandidates = len(inl.candidates)
	initialBudget := inl.computeBudget(inl.totalSize)
	budget := initialBudget
	inl.stats.initialBudget = initialBudget

	didTry := true
	errored := false

	inl.debug.Tracef("Starting Inlining.  Initial budget: %d", initialBudget)

	for !errored && budget > 0 && len(inl.candidates) > 0 {
		// 升序列表，从队尾取最优
		last := len(inl.candidates) - 1
		crec := inl.candidates[last]
		caller := crec.CS.Caller
		callee := crec.Callee()

		inl.debug.Infof("Candidate (%.2f): %d %s", crec.MVal, crec.ID, crec.FormatCS())

		if !didTry {
			inl.stats.endSkip++
		}
		didTry = false

		// 没有有利可图的候选了
		if crec.MVal <= 0 {
			inl.debug.Infof("    no benefit")
			break
		}

		iSize := crec.InlineSize()
		if iSize > budget {
			inl.stats.tooBig++
			inl.debug.Infof("    too big (%d/%d)", iSize, budget)
			inl.ignoreCandidateAt(last)
			continue
		}

		didTry = true
		inl.stats.endSkip = 0

		if crec.NeverInline() {
			inl.stats.neverInline++
			inl.debug.Infof("    never inline")
			inl.ignoreCandidateAt(last)
			continue
		}

		if inl.opts.Depth > 0 && uint32(len(crec.History)) >= inl.opts.Depth {
			inl.stats.tooDeep++
			inl.debug.Infof("    too deep (%d)", len(crec.History))
			inl.ignoreCandidateAt(last)
			continue
		}

		// 内联会作废存着的调用点，先快照再摘除，
		// 快照留住直方图好为派生调用点合成档案
		tmpRec := crec.Clone()
		inl.removeAt(last)

		result, err := ir.Inline(inl.env.Module, tmpRec.CS.Call)
		if err != nil {
			// 宿主拒绝：收进 ignore 继续
			inl.stats.inlineFail++
			inl.debug.Infof("fail: %v", err)
			inl.ignoreCS(tmpRec.CS)
			continue
		}

		inl.stats.inlineCount++
		callerAttr := inl.env.Attrs.Get(caller)
		callerAttr.InlineCount += inl.env.Attrs.Get(callee).InlineCount + 1

		inl.debug.Logf(tlog.Log, "  %d %s inlined (%d), (%d callers left)",
			tmpRec.ID, tmpRec.FormatCS(), budget, len(inl.callers[callee]))

		codeGrowth := inl.env.Attrs.Recalc(caller)
		budget -= codeGrowth
		inl.debug.Verbosef("    Expected growth: %d, real growth: %d (%d)",
			iSize, codeGrowth, budget)

		if !inl.processInlinedCalls(tmpRec, callee, result) {
			errored = true
			break
		}

		// 派生调用点处理完后看被调函数是否已死（递归）
		if len(inl.callers[callee]) == 0 {
			removed := inl.removeDeadCallee(callee)
			inl.debug.Infof("    %d calls removed", removed)
			inl.stats.deadCalls += removed
		}

		// 调用者长大会改它的调用者们的指标
		if !inl.updateCallers(caller) {
			inl.debug.Errorf("Failed to update callers of %s", caller.Name)
			errored = true
			break
		}

		if !inl.sanityCheckLists() {
			inl.debug.Errorf("inliner: sanity check failed")
			errored = true
			break
		}
	}

	inl.stats.finalBudget = budget

	if errored {
		inl.debug.Errorf("FDO inlining finished with errors")
		cprof.FreeStaticData()
		return inl.stats.inlineCount > 0
	}

	inl.debug.Infof("FDO inlining finished")
	inl.finalReport()
	inl.printCounts()

	return inl.stats.inlineCount > 0
}

// processInlinedCalls 处理宿主报告的克隆调用点：不是候选的
// 跳过，间接转直接的收进 ignore，其余跨乘直方图派生新记录。
func (inl *Inliner) processInlinedCalls(tmpRec *CallRecord, callee *ir.Function, result *ir.InlineResult) bool {
	if len(result.InlinedCalls) == 0 {
		return true
	}
	caller := tmpRec.CS.Caller
	inl.debug.Infof("    Inlined %d call sites:", len(result.InlinedCalls))

	for i, newCall := range result.InlinedCalls {
		origin := result.Origins[i]
		if origin == nil {
			inl.debug.Errorf("      (invalid origin)")
			return false
		}

		newCS := CallSite{Caller: caller, Block: blockOf(result.NewBlocks, newCall), Call: newCall}

		if !inl.isInliningCandidate(caller, newCall) {
			inl.stats.newNotCand++
			inl.debug.Infof("      (not candidate)")
			continue
		}

		inl.addCallerCS(newCS)

		// 间接调用解析成了直接调用：没有对应档案，只跟踪不选
		if origin.Callee == "" && newCall.Callee != "" {
			inl.stats.candConvert++
			inl.debug.Infof("      (newly resolved)")
			inl.ignoreCS(newCS)
			continue
		}

		originRec, ok := inl.records[origin]
		if !ok {
			// 没有原调用点的记录就造不出新调用点的
			inl.stats.missingRecord++
			inl.debug.Errorf("      (missing record!)")
			return false
		}

		if originRec.Ignored {
			inl.stats.newIgnore++
			inl.debug.Infof("      (i)")
			inl.ignoreCS(newCS)
			continue
		}

		inl.stats.newCand++
		rec := NewInlinedCallRecord(originRec, tmpRec, callee, newCS)
		inl.debug.Infof("      %d mval=%g", len(rec.HistoryNames), rec.MVal)
		inl.insert(rec)
	}
	return true
}

// addCallerCS 为派生调用点登记调用关系
func (inl *Inliner) addCallerCS(cs CallSite) {
	inl.addCaller(inl.env.Module.Lookup(cs.Call.Callee), cs.Call)
}

// blockOf 在块列表里找指令所在块
func blockOf(blocks []*ir.Block, in *ir.Instr) *ir.Block {
	for _, b := range blocks {
		for _, i := range b.Instrs {
			if i == in {
				return b
			}
		}
	}
	return nil
}

// printCounts 主循环统计汇总
func (inl *Inliner) printCounts() {
	zeroCand := 0
	for _, rec := range inl.candidates {
		if rec.MVal <= 0 {
			zeroCand++
		}
	}

	s := &inl.stats
	pct := 0.0
	if inl.totalSize > 0 {
		pct = 100.0 * float64(s.initialBudget) / float64(inl.totalSize)
	}
	inl.count.Printf("  Calls inlined:   %d\n"+
		"  Failures:        %d\n"+
		"  Initial cands.:  %d\n"+
		"  New Candidates:  %d\n"+
		"  Never Inline:    %d\n"+
		"  New ignored:     %d (%d total)\n"+
		"  New non-cand:    %d\n"+
		"  Resolve/Convert: %d\n"+
		"  Missing records: %d\n"+
		"  Rejected (deep): %d\n"+
		"  Rejected (big):  %d\n"+
		"  Calls made dead: %d (%d removed)\n"+
		"  Candidates left: %d (%d w/ 0 mval)\n"+
		"  Budget left:     %d of %d (+%0.1f%% of %d)",
		s.inlineCount, s.inlineFail, s.numCandidates, s.newCand,
		s.neverInline, s.newIgnore, len(inl.ignore), s.newNotCand,
		s.candConvert, s.missingRecord, s.tooDeep, s.tooBig-s.endSkip,
		s.deadCalls, len(inl.removed),
		len(inl.candidates)+s.endSkip, zeroCand,
		s.finalBudget, s.initialBudget, pct, inl.totalSize)
}

// InlineCount 完成的内联次数
func (inl *Inliner) InlineCount() int { return inl.stats.inlineCount }

// CandidateCount 剩余候选数
func (inl *Inliner) CandidateCount() int { return len(inl.candidates) }

// Summary 单行总结
func (inl *Inliner) Summary() string {
	return fmt.Sprintf("budget %d->%d, candidates %d, inlined %d, failures %d",
		inl.stats.initialBudget, inl.stats.finalBudget,
		inl.stats.numCandidates, inl.stats.inlineCount, inl.stats.inlineFail)
}
