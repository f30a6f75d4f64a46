package fdo

import (
	"fmt"
	"math"

	"github.com/tangzhangming/solafdo/internal/cprof"
)

// MetricFunc 指标函数：由 (候选记录, 静态收益) 打分
type MetricFunc func(rec *CallRecord, benefit float64) float64

// metricRegistry 指标注册表
var metricRegistry = map[string]MetricFunc{
	// 静态指标
	"null":    nullMetric,
	"never":   neverMetric,
	"anti":    antiMetric,
	"benefit": benefitMetric,

	// 简单点指标
	"mean": meanMetric,
	"min":  minMetric,
	"max":  maxMetric,

	// 分布点指标
	"QPoint":   qPointLinearMetric, // QPLinear 的别名
	"QPLinear": qPointLinearMetric,
	"QPSqrt":   qPointSqrtMetric,

	// 分布区间指标
	"QRange":   qRangeLinearMetric, // QRLinear 的别名
	"QRLinear": qRangeLinearMetric,
	"QRSqrt":   qRangeSqrtMetric,
}

// MetricNames 已注册的指标名
func MetricNames() []string {
	names := make([]string, 0, len(metricRegistry))
	for n := range metricRegistry {
		names = append(names, n)
	}
	return names
}

// SelectMetric 选定指标并校验分位点表。
// (1,100] 的分位值按百分数归一化到 [0,1]。
func (e *Env) SelectMetric(name string, qlist []float64) error {
	e.Log.Infof("selectMetric: selecting metric %s", name)

	metric, ok := metricRegistry[name]
	if !ok {
		e.metric = metricRegistry["null"]
		return fmt.Errorf("unknown metric: %s", name)
	}

	// Q 系指标检查分位点表
	if len(name) >= 2 && name[0] == 'Q' {
		switch name[1] {
		case 'P':
			if len(qlist) < 1 {
				return fmt.Errorf("no quantile points given for point metric %s", name)
			}
		case 'R':
			if len(qlist) < 2 {
				return fmt.Errorf("need at least 2 quantile points for range metric %s", name)
			}
			if len(qlist)%2 != 0 {
				return fmt.Errorf("odd number of quantile points for range metric %s", name)
			}
		}

		normalized := make([]float64, len(qlist))
		for i, q := range qlist {
			// 大于 1 的按百分数理解，如 50 等价 0.5
			if q > 1 {
				q = q / 100
			}
			if q < 0 || q > 1 {
				return fmt.Errorf("quantile point %d out of range [0,1]: %g", i, qlist[i])
			}
			normalized[i] = q
		}
		e.qlist = normalized
	} else {
		e.qlist = append([]float64{}, qlist...)
	}

	e.metric = metric
	e.metricName = name
	return nil
}

// MetricName 当前指标名
func (e *Env) MetricName() string { return e.metricName }

func nullMetric(rec *CallRecord, benefit float64) float64 { return 0 }

func neverMetric(rec *CallRecord, benefit float64) float64 { return -1 }

func benefitMetric(rec *CallRecord, benefit float64) float64 { return benefit }

// antiMetric 反向指标：专挑收益最小体积最大的先内联，
// 用来做最坏情况实验
func antiMetric(rec *CallRecord, benefit float64) float64 {
	newBenefit := 1.0e6 - benefit
	size := float64(rec.InlineSize())
	return newBenefit * size * size
}

func meanMetric(rec *CallRecord, benefit float64) float64 {
	return rec.Hist.Mean(false) * benefit * rec.Hist.Coverage()
}

func maxMetric(rec *CallRecord, benefit float64) float64 {
	return rec.Hist.Max() * benefit
}

func minMetric(rec *CallRecord, benefit float64) float64 {
	return rec.Hist.Min() * benefit * rec.Hist.Coverage()
}

func qPointLinearMetric(rec *CallRecord, benefit float64) float64 {
	rc := 0.0
	for _, q := range rec.env.qlist {
		rc += rec.Hist.Quantile(q) * benefit
	}
	return rc
}

func qPointSqrtMetric(rec *CallRecord, benefit float64) float64 {
	rc := 0.0
	for _, q := range rec.env.qlist {
		v := rec.Hist.Quantile(q) * benefit
		if v > 0 {
			rc += math.Sqrt(v)
		}
	}
	return rc
}

func qRangeLinearMetric(rec *CallRecord, benefit float64) float64 {
	rc := 0.0
	qs := rec.env.qlist
	for i := 0; i+1 < len(qs); i += 2 {
		v := rec.Hist.ApplyOnQuantile(qs[i], qs[i+1], cprof.Product)
		rc += v * benefit
	}
	return rc
}

func qRangeSqrtMetric(rec *CallRecord, benefit float64) float64 {
	rc := 0.0
	qs := rec.env.qlist
	for i := 0; i+1 < len(qs); i += 2 {
		v := rec.Hist.ApplyOnQuantile(qs[i], qs[i+1], cprof.Product) * benefit
		if v > 0 {
			rc += math.Sqrt(v)
		}
	}
	return rc
}
