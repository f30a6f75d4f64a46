package cprof

import (
	"fmt"
	"io"
	"math"

	"github.com/google/pprof/profile"
)

// ExportPprof 把组合调用档案导出成 pprof 格式。
//
// 每个含调用的基本块一条样本：位置是所在函数加槽位行号，
// 取值是按试跑权重放大的平均相对频率（保留三位精度），
// 方便用现成 pprof 工具链浏览热点调用块。
func (cp *CombinedCallProfile) ExportPprof(w io.Writer) error {
	const scale = 1000 // 相对频率 → 千分计数

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "callfreq", Unit: "permille"},
		},
		DefaultSampleType: "callfreq",
	}

	funcIDs := make(map[string]*profile.Function)
	nextLoc := uint64(1)

	for slot, b := range cp.structure.slotBlock {
		if slot >= len(cp.histograms) {
			break
		}
		h := cp.histograms[slot]
		if h == nil || !h.NonZero() {
			continue
		}
		f := cp.structure.slotFunc[slot]

		pf, ok := funcIDs[f.Name]
		if !ok {
			pf = &profile.Function{
				ID:         uint64(len(funcIDs) + 1),
				Name:       f.Name,
				SystemName: f.Name,
			}
			funcIDs[f.Name] = pf
			p.Function = append(p.Function, pf)
		}

		loc := &profile.Location{
			ID: nextLoc,
			Line: []profile.Line{
				{Function: pf, Line: int64(slot)},
			},
		}
		nextLoc++
		p.Location = append(p.Location, loc)

		value := int64(math.Round(h.Mean(true) * h.TotalWeight() * scale))
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{value},
			Label: map[string][]string{
				"block": {b.Name},
			},
		})
	}

	if err := p.CheckValid(); err != nil {
		return fmt.Errorf("pprof export produced an invalid profile: %w", err)
	}
	return p.Write(w)
}
