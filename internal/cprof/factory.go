package cprof

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"

	"github.com/tangzhangming/solafdo/internal/ir"
	"github.com/tangzhangming/solafdo/internal/tlog"
)

// Factory 档案装配工厂
//
// 打开一批输入文件，把原始记录喂给各类型的"散票"累积档案，
// 预合并记录各自反序列化后入列表；读完后每类构建累积档案，
// 再用 BuildFromList 把累积档案与预合并档案并成单一成品。
// 成品经 Take* 一次性移交，未移交的随工厂废弃。
type Factory struct {
	module   *ir.Module
	log      *tlog.Tee
	binCount uint32

	edgeCP *CombinedEdgeProfile
	pathCP *CombinedPathProfile
	callCP *CombinedCallProfile
}

// NewFactory 创建工厂。binCount 为 0 时用缺省 bin 数。
func NewFactory(m *ir.Module, binCount uint32, log *tlog.Tee) *Factory {
	if binCount == 0 {
		binCount = DefaultBins
	}
	return &Factory{module: m, log: log, binCount: binCount}
}

// HasEdgeCP / HasPathCP / HasCallCP 是否有对应成品

func (f *Factory) HasEdgeCP() bool { return f.edgeCP != nil }
func (f *Factory) HasPathCP() bool { return f.pathCP != nil }
func (f *Factory) HasCallCP() bool { return f.callCP != nil }

// TakeEdgeCP 移交边档案所有权，只能取一次
func (f *Factory) TakeEdgeCP() *CombinedEdgeProfile {
	cp := f.edgeCP
	f.edgeCP = nil
	return cp
}

// TakePathCP 移交路径档案所有权，只能取一次
func (f *Factory) TakePathCP() *CombinedPathProfile {
	cp := f.pathCP
	f.pathCP = nil
	return cp
}

// TakeCallCP 移交调用档案所有权，只能取一次
func (f *Factory) TakeCallCP() *CombinedCallProfile {
	cp := f.callCP
	f.callCP = nil
	return cp
}

// Clear 丢弃全部成品
func (f *Factory) Clear() {
	f.edgeCP, f.pathCP, f.callCP = nil, nil, nil
}

// FreeStaticData 释放各档案类型的进程级缓存
// （工厂自身没有静态数据）
func FreeStaticData() {
	FreeEdgeStaticData()
	FreeCallStaticData()
}

// kindLists 装配过程中每类档案的累积档案与待合并列表
type kindLists struct {
	edgeSingles *CombinedEdgeProfile
	pathSingles *CombinedPathProfile
	callSingles *CombinedCallProfile
	edgeList    []CombinedProfile
	pathList    []CombinedProfile
	callList    []CombinedProfile
}

// BuildProfiles 读入全部输入文件并产出每类一个成品档案。
// 单个文件的 IO/格式错误放弃该文件剩余内容，其他文件和
// 其他类型继续；所有错误聚合返回。
func (f *Factory) BuildProfiles(filenames ...string) error {
	var errs error
	lists := &kindLists{}

	for _, filename := range filenames {
		if err := f.processFile(filename, lists); err != nil {
			f.log.Errorf("cprof: %v", err)
			errs = multierr.Append(errs, err)
		}
	}

	// 散票累积档案：有试跑才构建并参与合并
	if lists.edgeSingles != nil && lists.edgeSingles.TotalWeight() > 0 {
		lists.edgeSingles.BuildHistograms(f.binCount)
		lists.edgeList = append([]CombinedProfile{lists.edgeSingles}, lists.edgeList...)
	}
	if lists.pathSingles != nil && lists.pathSingles.TotalWeight() > 0 {
		lists.pathSingles.BuildHistograms(f.binCount)
		lists.pathList = append([]CombinedProfile{lists.pathSingles}, lists.pathList...)
	}
	if lists.callSingles != nil && lists.callSingles.TotalWeight() > 0 {
		lists.callSingles.BuildHistograms(f.binCount)
		lists.callList = append([]CombinedProfile{lists.callSingles}, lists.callList...)
	}

	// 每类并成单一成品
	if len(lists.edgeList) > 0 {
		cp, err := NewCombinedEdgeProfile(f.module, f.log)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else if err := cp.BuildFromList(lists.edgeList, 0); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			f.edgeCP = cp
		}
	}
	if len(lists.pathList) > 0 {
		cp := NewCombinedPathProfile(f.module, f.log)
		if err := cp.BuildFromList(lists.pathList, 0); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			f.pathCP = cp
		}
	}
	if len(lists.callList) > 0 {
		cp := NewCombinedCallProfile(f.module, f.log)
		if err := cp.BuildFromList(lists.callList, 0); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			f.callCP = cp
		}
	}

	return errs
}

// processFile 处理一个输入文件里的记录流
func (f *Factory) processFile(filename string, lists *kindLists) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("cannot open profile file %s: %w", filename, err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	for {
		tag, err := readU32(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: failed to read record tag: %w", filename, err)
		}

		if err := f.dispatchRecord(ProfilingType(tag), r, lists); err != nil {
			return fmt.Errorf("%s: %w", filename, err)
		}
	}
}

// dispatchRecord 按记录类型分发
func (f *Factory) dispatchRecord(tag ProfilingType, r io.Reader, lists *kindLists) error {
	switch tag {
	case ArgumentInfo:
		// 一次试跑的开始标志，跳过参数串
		return skipArgumentInfo(r)

	case EdgeInfo:
		if lists.edgeSingles == nil {
			cp, err := NewCombinedEdgeProfile(f.module, f.log)
			if err != nil {
				return err
			}
			lists.edgeSingles = cp
		}
		return lists.edgeSingles.AddProfile(r)

	case PathInfo:
		if lists.pathSingles == nil {
			lists.pathSingles = NewCombinedPathProfile(f.module, f.log)
		}
		return lists.pathSingles.AddProfile(r)

	case CallInfo:
		if lists.callSingles == nil {
			lists.callSingles = NewCombinedCallProfile(f.module, f.log)
		}
		return lists.callSingles.AddProfile(r)

	case CombinedEdgeInfo:
		cp, err := NewCombinedEdgeProfile(f.module, f.log)
		if err != nil {
			return err
		}
		if err := cp.Deserialize(r); err != nil {
			return err
		}
		lists.edgeList = append(lists.edgeList, cp)
		return nil

	case CombinedPathInfo:
		cp := NewCombinedPathProfile(f.module, f.log)
		if err := cp.Deserialize(r); err != nil {
			return err
		}
		lists.pathList = append(lists.pathList, cp)
		return nil

	case CombinedCallInfo:
		cp := NewCombinedCallProfile(f.module, f.log)
		if err := cp.Deserialize(r); err != nil {
			return err
		}
		lists.callList = append(lists.callList, cp)
		return nil
	}
	return fmt.Errorf("bad profiling file header: unknown record tag %d", uint32(tag))
}
