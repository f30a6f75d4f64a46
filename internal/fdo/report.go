package fdo

import (
	"github.com/tangzhangming/solafdo/internal/ir"
)

// functionZID 函数的 zID：其体内所有候选调用记录 zID 之和
func (inl *Inliner) functionZID(f *ir.Function) uint32 {
	zID := uint32(0)
	for _, bb := range f.Blocks {
		for _, in := range bb.Instrs {
			if !inl.isInliningCandidate(f, in) {
				continue
			}
			if rec, ok := inl.records[in]; ok {
				zID += rec.ZID
			}
		}
	}
	return zID
}

// finalReport 输出 hash 日志和死函数清单。
//
// hash 日志每行：<状态> <zID> <函数名> [入体积 出体积 内联次数]
// 状态码：
//   - N 新出现（没有属性记录，不该发生）
//   - D 已死
//   - 0 没被内联进过任何东西
//   - I 被内联进过
//   - X 被内联进过但自身不可内联
//
// 全局哈希是所有活函数 zID 的异或。
func (inl *Inliner) finalReport() {
	globalHash := uint32(0)

	for _, f := range inl.env.Module.Functions {
		if f.Declared {
			continue
		}

		attr := inl.env.Attrs.Lookup(f)
		if attr == nil {
			inl.debug.Warnf("%s NEW!!", f.Name)
			inl.hashlog.Printf("N 00000000 %s", f.Name)
			continue
		}

		// 先拿 zID；等确认函数还活着再并进全局哈希
		zID := inl.functionZID(f)

		if len(inl.callers[f]) == 0 && !attr.AddressTaken && f.Name != inl.env.Module.EntryName {
			inl.dead.Printf("%s %08X", f.Name, zID)
			inl.hashlog.Printf("D 00000000 %s", f.Name)
			continue
		}

		globalHash ^= zID

		if attr.InlineCount == 0 {
			inl.hashlog.Printf("0 00000000 %s", f.Name)
			continue
		}

		status := "I"
		if attr.CannotInline {
			status = "X"
		}
		inl.hashlog.Printf("%s %08X %s %d %d %d",
			status, zID, f.Name, attr.StartSize, attr.Size, attr.InlineCount)

		// 列出带内联历史的调用点
		for _, bb := range f.Blocks {
			for _, in := range bb.Instrs {
				if !inl.isInliningCandidate(f, in) {
					continue
				}
				rec, ok := inl.records[in]
				if !ok {
					inl.debug.Errorf("  Error: no record for call: %s[%s] --> %s",
						f.Name, bb.Name, in.Callee)
					continue
				}
				if len(rec.History) > 0 {
					inl.hashlog.Printf(" [%s] %s{%08X}  %s",
						bb.Name, in.Callee, rec.ZID, rec.FormatHistory(","))
				}
			}
		}
	}

	inl.hashlog.Printf("Global Hash: %08X", globalHash)
	inl.debug.Infof("Global Hash: %08X", globalHash)
}
