package cprof

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProfilingType 档案记录类型标签（文件里的 4 字节小端字）
type ProfilingType uint32

const (
	ArgumentInfo     ProfilingType = 1  // 命令行参数块
	FunctionInfo     ProfilingType = 2  // 函数档案
	BlockInfo        ProfilingType = 3  // 基本块档案
	EdgeInfo         ProfilingType = 4  // 边档案（原始）
	PathInfo         ProfilingType = 5  // 路径档案（原始）
	BBTraceInfo      ProfilingType = 6  // 基本块踪迹
	OptEdgeInfo      ProfilingType = 7  // 优化版边档案
	CallInfo         ProfilingType = 8  // 调用档案（原始）
	CombinedEdgeInfo ProfilingType = 9  // 组合边档案
	CombinedPathInfo ProfilingType = 10 // 组合路径档案
	CombinedCallInfo ProfilingType = 11 // 组合调用档案
)

// String 标签名
func (p ProfilingType) String() string {
	switch p {
	case ArgumentInfo:
		return "ArgumentInfo"
	case FunctionInfo:
		return "FunctionInfo"
	case BlockInfo:
		return "BlockInfo"
	case EdgeInfo:
		return "EdgeInfo"
	case PathInfo:
		return "PathInfo"
	case BBTraceInfo:
		return "BBTraceInfo"
	case OptEdgeInfo:
		return "OptEdgeInfo"
	case CallInfo:
		return "CallInfo"
	case CombinedEdgeInfo:
		return "CombinedEdgeInfo"
	case CombinedPathInfo:
		return "CombinedPathInfo"
	case CombinedCallInfo:
		return "CombinedCallInfo"
	}
	return fmt.Sprintf("ProfilingType(%d)", uint32(p))
}

// PathHeader 路径档案的函数头
type PathHeader struct {
	FnNumber   uint32
	NumEntries uint32
}

// PathTableEntry 路径档案表项
type PathTableEntry struct {
	PathNumber  uint32
	PathCounter uint32
}

// readU32 读一个小端 4 字节字
func readU32(r io.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// readF64 读一个小端 8 字节浮点
func readF64(r io.Reader) (float64, error) {
	var v float64
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// readCounters 读 n 个 4 字节计数器
func readCounters(r io.Reader, n uint32) ([]uint32, error) {
	buf := make([]uint32, n)
	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		return nil, fmt.Errorf("counter block header/data mismatch: %w", err)
	}
	return buf, nil
}

// skipArgumentInfo 跳过参数记录：4 字节长度 + 数据 + 对齐填充
func skipArgumentInfo(r io.Reader) error {
	n, err := readU32(r)
	if err != nil {
		return fmt.Errorf("argument info header/data mismatch: %w", err)
	}
	pad := (4 - n%4) % 4
	if _, err := io.CopyN(io.Discard, r, int64(n+pad)); err != nil {
		return fmt.Errorf("argument info header/data mismatch: %w", err)
	}
	return nil
}

// writeProfileHeader 写组合档案头：标签、总权重、条目数、bin 数
func writeProfileHeader(w io.Writer, ptype ProfilingType, weight float64, count, bincount uint32) error {
	for _, v := range []interface{}{uint32(ptype), weight, count, bincount} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("failed to write %s header: %w", ptype, err)
		}
	}
	return nil
}

// readProfileHeader 读组合档案头（标签已被调用方消费）
func readProfileHeader(r io.Reader) (weight float64, count, bincount uint32, err error) {
	if weight, err = readF64(r); err != nil {
		return 0, 0, 0, fmt.Errorf("combined profile header corrupt: %w", err)
	}
	if count, err = readU32(r); err != nil {
		return 0, 0, 0, fmt.Errorf("combined profile header corrupt: %w", err)
	}
	if bincount, err = readU32(r); err != nil {
		return 0, 0, 0, fmt.Errorf("combined profile header corrupt: %w", err)
	}
	return weight, count, bincount, nil
}

// WriteEdgeProfile 写一条原始边档案记录（测试与工具用）
func WriteEdgeProfile(w io.Writer, counters []uint32) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(EdgeInfo)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(counters))); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, counters)
}

// WriteCallProfile 写一条原始调用档案记录（测试与工具用）
func WriteCallProfile(w io.Writer, counters []uint32) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(CallInfo)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(counters))); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, counters)
}

// WritePathProfile 写一条原始路径档案记录（测试与工具用）
func WritePathProfile(w io.Writer, funcs map[uint32][]PathTableEntry) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(PathInfo)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(funcs))); err != nil {
		return err
	}
	// 函数号升序写出，保证字节级确定性
	keys := make([]uint32, 0, len(funcs))
	for k := range funcs {
		keys = append(keys, k)
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	for _, fn := range keys {
		hdr := PathHeader{FnNumber: fn, NumEntries: uint32(len(funcs[fn]))}
		if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
			return err
		}
		for _, e := range funcs[fn] {
			if err := binary.Write(w, binary.LittleEndian, e); err != nil {
				return err
			}
		}
	}
	return nil
}
