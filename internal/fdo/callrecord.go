package fdo

import (
	"fmt"
	"io"
	"math/rand"
	"strings"

	"github.com/tangzhangming/solafdo/internal/cprof"
	"github.com/tangzhangming/solafdo/internal/ir"
	"github.com/tangzhangming/solafdo/internal/tlog"
)

// CallSite 一个调用点
type CallSite struct {
	Caller *ir.Function
	Block  *ir.Block
	Call   *ir.Instr
}

// Env 内联评估环境：属性缓存、选定的指标、分位点表
//
// 原设计把这些做成进程级静态数据；这里由驱动持有一份，
// 一轮管线一个实例，退出即弃。
type Env struct {
	Module *ir.Module
	Attrs  *AttrCache
	Log    *tlog.Tee

	metric     MetricFunc
	metricName string
	qlist      []float64
}

// NewEnv 创建评估环境
func NewEnv(m *ir.Module, log *tlog.Tee) *Env {
	return &Env{Module: m, Attrs: NewAttrCache(m), Log: log}
}

// Free 释放属性缓存等长生命周期数据
func (e *Env) Free() {
	e.Attrs.Free()
	e.metric = nil
	e.metricName = ""
}

// 记录编号分配器
var currID uint32

// CallRecord 内联候选记录
//
// 直方图是调用档案里该调用块直方图的私有拷贝，预测每次进入
// 所在函数时此调用点的相对执行频率。MVal 越大越该先内联，
// -1 表示不内联。ZID 是随机摘要标识，不是稳定身份。
type CallRecord struct {
	CS   CallSite
	Hist *cprof.Histogram

	MVal    float64
	Ignored bool

	History      map[*ir.Function]bool
	HistoryNames []string

	ID  uint32
	ZID uint32

	env         *Env
	totalImpact ArgImpact
}

// NewCallRecord 创建候选记录，直方图做私有拷贝
func NewCallRecord(cs CallSite, hist *cprof.Histogram, env *Env) *CallRecord {
	rec := &CallRecord{
		CS:      cs,
		MVal:    -1,
		History: make(map[*ir.Function]bool),
		ID:      currID,
		ZID:     rand.Uint32(),
		env:     env,
	}
	currID++
	if hist != nil {
		rec.Hist = hist.Clone()
	} else {
		rec.Hist = cprof.NewHistogram()
	}
	return rec
}

// NewInlinedCallRecord 为内联复制出来的调用点派生新记录。
//
// callRec 是被调函数体内原调用点的记录，oldRec 是刚被内联的
// 调用点的记录。新直方图是两者的乘积分布；内联历史合并后
// 追加刚内联掉的被调函数。
func NewInlinedCallRecord(callRec, oldRec *CallRecord, inlinedFunc *ir.Function, newCS CallSite) *CallRecord {
	rec := &CallRecord{
		CS:      newCS,
		History: make(map[*ir.Function]bool),
		ID:      currID,
		env:     callRec.env,
	}
	currID++

	if callRec.Hist != nil && oldRec.Hist != nil {
		rec.Hist = callRec.Hist.Cross(oldRec.Hist)
	} else {
		callRec.env.Log.Errorf("inlined-call record: nil histogram")
		rec.Hist = cprof.NewHistogram()
	}

	// 历史摘要是链上所有记录 zID 的异或
	rec.ZID = callRec.ZID ^ oldRec.ZID

	for f := range callRec.History {
		rec.History[f] = true
	}
	for f := range oldRec.History {
		rec.History[f] = true
	}
	rec.HistoryNames = append(rec.HistoryNames, callRec.HistoryNames...)
	rec.HistoryNames = append(rec.HistoryNames, oldRec.HistoryNames...)

	if inlinedFunc == nil {
		callRec.env.Log.Errorf("inlined-call record: nil inlined function")
		rec.HistoryNames = append(rec.HistoryNames, "(null)")
	} else {
		rec.History[inlinedFunc] = true
		rec.HistoryNames = append(rec.HistoryNames, inlinedFunc.Name)
	}

	rec.EvalMetric()
	return rec
}

// Clone 深拷贝（含直方图）
func (r *CallRecord) Clone() *CallRecord {
	c := *r
	c.Hist = r.Hist.Clone()
	c.History = make(map[*ir.Function]bool, len(r.History))
	for f := range r.History {
		c.History[f] = true
	}
	c.HistoryNames = append([]string{}, r.HistoryNames...)
	return &c
}

// Callee 被调函数，间接调用返回 nil
func (r *CallRecord) Callee() *ir.Function {
	return r.env.Module.Callee(r.CS.Call)
}

// NeverInline 被调函数是否永远不该内联
func (r *CallRecord) NeverInline() bool {
	callee := r.Callee()
	// 查不到被调函数的只能是间接调用，本来也内联不了
	if callee == nil {
		return true
	}

	attr := r.env.Attrs.Get(callee)
	if attr.CannotInline {
		return true
	}
	if callee.NoReturn {
		attr.CannotInline = true
		return true
	}
	return false
}

// InlineSize 内联进来的净体积：被调体积减去实参潜力，
// 无分支函数再给一块折扣
func (r *CallRecord) InlineSize() int {
	callee := r.Callee()
	if callee == nil {
		return 0
	}
	attr := r.env.Attrs.Get(callee)
	less := r.totalImpact.InstrRemIfConst + r.totalImpact.InstrRemIfAlloca
	if attr.Branches == 0 {
		less += weightOneBlock
	}
	return attr.Size - less
}

// inlineBenefit 每次调用的静态收益（省掉的指令），与频率无关。
// 调用方要再按期望频率加权。
func (r *CallRecord) inlineBenefit() float64 {
	benefit := weightCallReturn

	benefit += r.totalImpact.InstrRemIfConst * weightInstr
	benefit += r.totalImpact.BranchRemIfConst * weightBranch
	benefit += r.totalImpact.ICallRemIfConst * weightICall
	benefit += r.totalImpact.InstrRemIfAlloca * weightAlloca

	// 每个实参约等于一条指令
	benefit += len(r.CS.Call.Args())

	// 被调函数里的间接调用有机会在后续内联中被解析，给点甜头
	if callee := r.Callee(); callee != nil {
		benefit += r.env.Attrs.Get(callee).IndirectCalls
	}
	return float64(benefit)
}

// inlineCost 内联代价
func (r *CallRecord) inlineCost() float64 {
	return float64(r.InlineSize())
}

// EvalMetric 重算指标值
func (r *CallRecord) EvalMetric() float64 {
	if r.env.metric == nil {
		r.env.Log.Errorf("call record %d: no metric selected", r.ID)
		r.MVal = -1
		return -1
	}

	callee := r.Callee()
	if callee == nil {
		r.MVal = -1
		return -1
	}

	// 汇总实参特征带来的潜力
	r.totalImpact = ArgImpact{}
	args := r.CS.Call.Args()
	if len(args) != len(callee.Params) {
		r.env.Log.Errorf("call record %d: arg count mismatch: call %d, callee %d",
			r.ID, len(args), len(callee.Params))
	}
	for argNum, arg := range args {
		if argNum >= len(callee.Params) {
			break
		}
		in, ok := arg.(*ir.Instr)
		if !ok {
			continue
		}
		impact := r.env.Attrs.GetArgImpact(callee, argNum)
		if in.Op == ir.OpConst {
			r.totalImpact.InstrRemIfConst += impact.InstrRemIfConst
			// 分支只依赖单个实参时才会真的定死，这里直接累加
			r.totalImpact.BranchRemIfConst += impact.BranchRemIfConst
			r.totalImpact.ICallRemIfConst += impact.ICallRemIfConst
		}
		if in.Op == ir.OpAlloca {
			r.totalImpact.InstrRemIfAlloca += impact.InstrRemIfAlloca
		}
	}

	benefit := r.inlineBenefit()
	cost := r.inlineCost()

	// 代价非负且无收益：不可能有改善
	if cost >= 0 && benefit <= 0 {
		r.MVal = -1
		return r.MVal
	}

	r.MVal = r.env.metric(r, benefit)
	if cost > 0 {
		r.MVal = r.MVal / cost
	} else if cost < 0 {
		r.MVal = r.MVal * (-cost)
	}

	r.env.Log.Verbosef("mval(%.2f, %.2f) = %.2f", benefit, cost, r.MVal)
	return r.MVal
}

// Less 前沿排序：按指标值升序
func (r *CallRecord) Less(other *CallRecord) bool {
	return r.MVal < other.MVal
}

// FormatCS 格式化调用点：caller[block](size) --> callee(size)
func (r *CallRecord) FormatCS() string {
	var sb strings.Builder
	caller, callee := r.CS.Caller, r.Callee()

	callerSize := 0
	if attr := r.env.Attrs.Lookup(caller); attr != nil {
		callerSize = attr.Size
	}
	blockName := ""
	if r.CS.Block != nil {
		blockName = r.CS.Block.Name
	}
	fmt.Fprintf(&sb, "%s[%s](%d) --", caller.Name, blockName, callerSize)
	if callee == nil {
		sb.WriteString("*")
	} else {
		calleeSize := 0
		if attr := r.env.Attrs.Lookup(callee); attr != nil {
			calleeSize = attr.Size
		}
		fmt.Fprintf(&sb, "> %s(%d)", callee.Name, calleeSize)
	}
	return sb.String()
}

// FormatHistory 格式化内联历史
func (r *CallRecord) FormatHistory(sep string) string {
	return fmt.Sprintf("%d[%s]", len(r.HistoryNames), strings.Join(r.HistoryNames, sep))
}

// Print 打印完整记录
func (r *CallRecord) Print(w io.Writer) {
	fmt.Fprintf(w, "%d {%X}: [%.4f %02.0f%%] ", r.ID, r.ZID, r.MVal, 100*r.Hist.Coverage())
	if r.Ignored {
		fmt.Fprint(w, "(i)")
	}
	fmt.Fprintf(w, " %s %s", r.FormatCS(), r.FormatHistory(","))
}
