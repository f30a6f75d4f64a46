// Package edt 实现 CFG 边支配树
//
// 支配关系定义在控制流图的"边"上而不是块上：每个函数有一条
// 合成的入口边（source 为空，target 为入口块），函数内其余边
// 来自各块终结指令的后继枚举。边计数在整个模块内连续编号。
//
// 原始计数按"边 / 其直接支配边"的比值做层级归一化，落在 [0,1]。
package edt

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/tangzhangming/solafdo/internal/ir"
	"github.com/tangzhangming/solafdo/internal/tlog"
)

// EdgeIndex 全局边编号
type EdgeIndex = uint32

// IndexSet 边编号集合
type IndexSet map[EdgeIndex]bool

// sorted 升序展开，保证遍历确定性
func (s IndexSet) sorted() []EdgeIndex {
	out := make([]EdgeIndex, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// intersect 返回 s ∩ t
func (s IndexSet) intersect(t IndexSet) IndexSet {
	out := make(IndexSet)
	for i := range s {
		if t[i] {
			out[i] = true
		}
	}
	return out
}

// EdgeNode 一条 CFG 边
//
// Source 为 nil 表示合成入口边。DomIndex 为直接支配边编号，
// 根边的 DomIndex 等于自身。
type EdgeNode struct {
	Source *ir.Block
	Target *ir.Block
	Index  EdgeIndex

	Parents     IndexSet
	Children    IndexSet
	DomChildren IndexSet
	DomIndex    EdgeIndex
}

// CFGEdgeDomTree 单函数边支配树构建器
type CFGEdgeDomTree struct {
	edges        map[EdgeIndex]*EdgeNode
	roots        IndexSet
	nonBackEdges IndexSet
	ancestorSets map[EdgeIndex]IndexSet
	claimedBy    map[interface{}]bool

	log *tlog.Tee
}

// NewCFGEdgeDomTree 构建单函数边支配树，边编号从 firstEdge 起
func NewCFGEdgeDomTree(f *ir.Function, firstEdge EdgeIndex, log *tlog.Tee) (*CFGEdgeDomTree, error) {
	t := &CFGEdgeDomTree{
		edges:        make(map[EdgeIndex]*EdgeNode),
		roots:        make(IndexSet),
		nonBackEdges: make(IndexSet),
		ancestorSets: make(map[EdgeIndex]IndexSet),
		claimedBy:    make(map[interface{}]bool),
		log:          log,
	}
	if f.Declared || f.Entry() == nil {
		return t, nil
	}

	counter := firstEdge

	// 合成入口边，按定义自支配
	entry := &EdgeNode{
		Source:   nil,
		Target:   f.Entry(),
		Index:    counter,
		DomIndex: counter,
		Parents:  make(IndexSet),
		Children: make(IndexSet),
	}
	t.edges[entry.Index] = entry
	counter++

	// 每个 (块, 后继) 一条边
	for _, bb := range f.Blocks {
		for _, succ := range bb.Succs() {
			// DomIndex 先指向自身，支配计算会覆盖可达边
			e := &EdgeNode{
				Source:   bb,
				Target:   succ,
				Index:    counter,
				DomIndex: counter,
				Parents:  make(IndexSet),
				Children: make(IndexSet),
			}
			t.edges[e.Index] = e
			counter++
		}
	}

	t.buildGraph()
	t.findRoots(f)

	// 从根出发找出全部非回边，后续计算只在其上进行
	visited := make(IndexSet)
	currPath := make(IndexSet)
	for _, root := range t.roots.sorted() {
		t.findNonBackEdges(t.edges[root], visited, currPath)
	}

	t.computeAncestorSets()
	if err := t.computeEdgeDominance(); err != nil {
		return nil, fmt.Errorf("edge dominance for %s: %w", f.Name, err)
	}
	return t, nil
}

// ClaimEdgeMap 移交边结点所有权：调用方此后负责这些结点
func (t *CFGEdgeDomTree) ClaimEdgeMap(who interface{}) map[EdgeIndex]*EdgeNode {
	t.claimedBy[who] = true
	return t.edges
}

// UnclaimEdgeMap 撤回所有权声明
func (t *CFGEdgeDomTree) UnclaimEdgeMap(who interface{}) {
	delete(t.claimedBy, who)
}

// Claimed 是否已有持有人
func (t *CFGEdgeDomTree) Claimed() bool {
	return len(t.claimedBy) > 0
}

// EdgeCount 边数
func (t *CFGEdgeDomTree) EdgeCount() int {
	return len(t.edges)
}

// buildGraph 建立边与边之间的父子关系：p.target == c.source 则 p→c
func (t *CFGEdgeDomTree) buildGraph() {
	for _, parent := range t.edges {
		for _, child := range t.edges {
			if parent.Target == child.Source && parent.Target != nil {
				parent.Children[child.Index] = true
				child.Parents[parent.Index] = true
			}
		}
	}
}

// findRoots 没有父边的边是根。正常情形恰有一条。
func (t *CFGEdgeDomTree) findRoots(f *ir.Function) {
	for idx, node := range t.edges {
		if len(node.Parents) == 0 {
			t.roots[idx] = true
		}
	}

	if len(t.roots) == 0 {
		t.log.Errorf("error: no roots in edge graph of %s", f.Name)
	}
	if len(t.roots) > 1 {
		t.log.Warnf("warning: multiple roots in CFG of %s", f.Name)
	}
}

// findNonBackEdges 从 root 深度优先找非回边。
// 源等于目标、或某个子边已在当前路径上的边是回边。
func (t *CFGEdgeDomTree) findNonBackEdges(root *EdgeNode, visited, currPath IndexSet) {
	if root.Source == root.Target && root.Source != nil {
		return
	}
	if visited[root.Index] {
		return
	}
	visited[root.Index] = true
	currPath[root.Index] = true

	for child := range root.Children {
		if currPath[child] {
			delete(currPath, root.Index)
			return
		}
	}

	// 后继都不在路径上，不是回边
	t.nonBackEdges[root.Index] = true
	for _, child := range root.Children.sorted() {
		t.findNonBackEdges(t.edges[child], visited, currPath)
	}

	delete(currPath, root.Index)
}

// computeAncestorSets 自顶向下工作表，求每条边的（非严格）祖先集，
// 并交到非回边集合上
func (t *CFGEdgeDomTree) computeAncestorSets() {
	wl := newWorklist(t.edges, t.nonBackEdges)
	for _, root := range t.roots.sorted() {
		wl.push(root)
	}

	for !wl.empty() {
		curr := wl.pop()
		node := t.edges[curr]

		ancestors := make(IndexSet)
		ancestors[curr] = true
		for parent := range node.Parents.intersect(t.nonBackEdges) {
			for a := range t.ancestorSets[parent] {
				ancestors[a] = true
			}
		}
		t.ancestorSets[curr] = ancestors.intersect(t.nonBackEdges)

		wl.pushReady(node.Children)
	}
}

// computeEdgeDominance 求每条边的直接支配边。
// 根自支配；单个非回边父边时父边即直接支配边；否则取所有父边
// 祖先集之交，再剪掉支配其他候选者的候选，恰剩一个。
func (t *CFGEdgeDomTree) computeEdgeDominance() error {
	if len(t.edges) == 0 {
		return nil
	}

	wl := newWorklist(t.edges, t.nonBackEdges)
	for _, root := range t.roots.sorted() {
		t.edges[root].DomIndex = root
		wl.pushReady(t.edges[root].Children)
	}

	for !wl.empty() {
		curr := wl.pop()
		node := t.edges[curr]

		// 只有一个非回边父边：支配边就是它
		nbeParents := node.Parents.intersect(t.nonBackEdges)
		if len(nbeParents) == 1 {
			dom := nbeParents.sorted()[0]
			node.DomIndex = dom
			t.domChildren(dom)[curr] = true
			wl.pushReady(node.Children)
			continue
		}

		// 所有非回边父边祖先集之交
		ancestors := t.ancestorSets[curr]
		for parent := range nbeParents {
			ancestors = ancestors.intersect(t.ancestorSets[parent])
		}
		// 缩减自身祖先集，但保留自己供后代计算
		reduced := make(IndexSet)
		for a := range ancestors {
			reduced[a] = true
		}
		reduced[curr] = true
		t.ancestorSets[curr] = reduced

		// 剪枝：若 a1 支配 a2，a1 不是最近者
		pruned := make(IndexSet)
		for a := range ancestors {
			pruned[a] = true
		}
		for a1 := range ancestors {
			for a2 := range ancestors {
				if a1 == a2 {
					continue
				}
				if t.ancestorSets[a2][a1] {
					delete(pruned, a1)
				}
			}
		}

		if len(pruned) == 0 {
			return fmt.Errorf("edge %d: LCA leaves no potential dominators", curr)
		}
		if len(pruned) > 1 {
			return fmt.Errorf("edge %d: LCA leaves %d potential dominators", curr, len(pruned))
		}

		dom := pruned.sorted()[0]
		node.DomIndex = dom
		t.domChildren(dom)[curr] = true
		wl.pushReady(node.Children)
	}
	return nil
}

// domChildren 取边的支配子集合，按需分配
func (t *CFGEdgeDomTree) domChildren(idx EdgeIndex) IndexSet {
	node := t.edges[idx]
	if node.DomChildren == nil {
		node.DomChildren = make(IndexSet)
	}
	return node.DomChildren
}

// worklist 带未决父边计数的工作表。
// 计数允许为负以抑制重复入队。
type worklist struct {
	queue   []EdgeIndex
	pending map[EdgeIndex]int
}

func newWorklist(edges map[EdgeIndex]*EdgeNode, nonBackEdges IndexSet) *worklist {
	wl := &worklist{pending: make(map[EdgeIndex]int, len(edges))}
	for idx, node := range edges {
		wl.pending[idx] = len(node.Parents.intersect(nonBackEdges))
	}
	return wl
}

func (wl *worklist) push(idx EdgeIndex) {
	wl.queue = append(wl.queue, idx)
}

func (wl *worklist) pop() EdgeIndex {
	idx := wl.queue[0]
	wl.queue = wl.queue[1:]
	return idx
}

func (wl *worklist) empty() bool {
	return len(wl.queue) == 0
}

// pushReady 递减子边的未决计数，归零即入队
func (wl *worklist) pushReady(children IndexSet) {
	for _, child := range children.sorted() {
		wl.pending[child]--
		if wl.pending[child] == 0 {
			wl.queue = append(wl.queue, child)
		}
	}
}

// EdgeDominatorTree 模块级边支配树
type EdgeDominatorTree struct {
	edges map[EdgeIndex]*EdgeNode
	count int
}

// NewEdgeDominatorTree 遍历模块函数，逐个构建并合并
func NewEdgeDominatorTree(m *ir.Module, log *tlog.Tee) (*EdgeDominatorTree, error) {
	edt := &EdgeDominatorTree{edges: make(map[EdgeIndex]*EdgeNode)}

	counter := EdgeIndex(0)
	for _, f := range m.Functions {
		funcTree, err := NewCFGEdgeDomTree(f, counter, log)
		if err != nil {
			// 支配构建失败只放弃该函数
			log.Errorf("EDT: %v", err)
			continue
		}

		// 认领边结点，之后由模块树负责
		local := funcTree.ClaimEdgeMap(edt)
		if len(local) > 0 {
			counter += EdgeIndex(len(local))
			for idx, node := range local {
				edt.edges[idx] = node
			}
		}
	}
	edt.count = len(edt.edges)
	return edt, nil
}

// DominatorIndex 边的直接支配边编号
func (t *EdgeDominatorTree) DominatorIndex(e EdgeIndex) EdgeIndex {
	node, ok := t.edges[e]
	if !ok {
		return e
	}
	return node.DomIndex
}

// EdgeCount 总边数
func (t *EdgeDominatorTree) EdgeCount() int {
	return t.count
}

// Depth 到支配树根的距离，根为 0
func (t *EdgeDominatorTree) Depth(e EdgeIndex) int {
	depth := 0
	oldDom := e
	newDom := t.DominatorIndex(e)
	for oldDom != newDom {
		depth++
		oldDom = newDom
		newDom = t.DominatorIndex(oldDom)
	}
	return depth
}

// Edge 取边结点
func (t *EdgeDominatorTree) Edge(e EdgeIndex) *EdgeNode {
	return t.edges[e]
}

// WriteDomFile 输出支配边信息文件：每条边一个 4 字节直接支配边编号
func (t *EdgeDominatorTree) WriteDomFile(w io.Writer) error {
	for i := 0; i < t.count; i++ {
		dom := t.DominatorIndex(EdgeIndex(i))
		if err := binary.Write(w, binary.LittleEndian, dom); err != nil {
			return fmt.Errorf("failed to write dominance file: %w", err)
		}
	}
	return nil
}

// PrintDominance 打印支配关系
func (t *EdgeDominatorTree) PrintDominance(w io.Writer) {
	fmt.Fprintf(w, "Dominance Relationships (%d edges)\n", t.count)
	for i := 0; i < t.count; i++ {
		if node, ok := t.edges[EdgeIndex(i)]; ok {
			fmt.Fprintf(w, "  %d idoms %d\n", node.DomIndex, node.Index)
		}
	}
}
