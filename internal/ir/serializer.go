package ir

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// 模块文件格式常量
const (
	MagicNumber  uint32 = 0x53495201 // "SIR" + 0x01
	MajorVersion byte   = 1
	MinorVersion byte   = 0
	HeaderSize          = 16
)

// 操作数引用类别
const (
	refNil   byte = 0 // 空
	refParam byte = 1 // 形参
	refInstr byte = 2 // 指令
)

// 函数标志位
const (
	fnDeclared     byte = 1 << 0
	fnAddressTaken byte = 1 << 1
	fnNoReturn     byte = 1 << 2
)

// 指令标志位
const (
	inLossless     byte = 1 << 0
	inConstIndices byte = 1 << 1
)

// Serializer 模块序列化器
type Serializer struct {
	buf         *bytes.Buffer
	stringPool  []string
	stringIndex map[string]uint32
}

// NewSerializer 创建序列化器
func NewSerializer() *Serializer {
	return &Serializer{
		buf:         new(bytes.Buffer),
		stringPool:  make([]string, 0),
		stringIndex: make(map[string]uint32),
	}
}

// Serialize 序列化整个模块
func (s *Serializer) Serialize(m *Module) ([]byte, error) {
	// 第一遍：收集所有字符串到字符串池
	s.addString(m.Name)
	s.addString(m.EntryName)
	for _, f := range m.Functions {
		s.collectFunctionStrings(f)
	}

	stringPoolBuf := s.serializeStringPool()
	funcBuf, err := s.serializeFunctions(m)
	if err != nil {
		return nil, err
	}

	stringPoolOffset := uint32(HeaderSize)
	funcOffset := stringPoolOffset + uint32(len(stringPoolBuf))

	// 写入头部
	binary.Write(s.buf, binary.BigEndian, MagicNumber)
	s.buf.WriteByte(MajorVersion)
	s.buf.WriteByte(MinorVersion)
	binary.Write(s.buf, binary.BigEndian, uint16(0)) // 保留
	binary.Write(s.buf, binary.BigEndian, stringPoolOffset)
	binary.Write(s.buf, binary.BigEndian, funcOffset)

	s.buf.Write(stringPoolBuf)
	s.buf.Write(funcBuf)

	return s.buf.Bytes(), nil
}

// addString 添加字符串到池，返回索引
func (s *Serializer) addString(str string) uint32 {
	if idx, ok := s.stringIndex[str]; ok {
		return idx
	}
	idx := uint32(len(s.stringPool))
	s.stringPool = append(s.stringPool, str)
	s.stringIndex[str] = idx
	return idx
}

// collectFunctionStrings 收集函数内的字符串
func (s *Serializer) collectFunctionStrings(f *Function) {
	s.addString(f.Name)
	for _, p := range f.Params {
		s.addString(p.Name)
	}
	for _, b := range f.Blocks {
		s.addString(b.Name)
		for _, in := range b.Instrs {
			s.addString(in.Name)
			s.addString(in.Callee)
			s.addString(in.Intrinsic)
		}
	}
}

// serializeStringPool 序列化字符串池
func (s *Serializer) serializeStringPool() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(len(s.stringPool)))
	for _, str := range s.stringPool {
		binary.Write(buf, binary.BigEndian, uint32(len(str)))
		buf.WriteString(str)
	}
	return buf.Bytes()
}

// serializeFunctions 序列化全部函数
func (s *Serializer) serializeFunctions(m *Module) ([]byte, error) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, s.stringIndex[m.Name])
	binary.Write(buf, binary.BigEndian, s.stringIndex[m.EntryName])
	binary.Write(buf, binary.BigEndian, uint32(len(m.Functions)))

	for _, f := range m.Functions {
		if err := s.serializeFunction(buf, f); err != nil {
			return nil, fmt.Errorf("failed to serialize function %s: %w", f.Name, err)
		}
	}
	return buf.Bytes(), nil
}

// serializeFunction 序列化单个函数
func (s *Serializer) serializeFunction(buf *bytes.Buffer, f *Function) error {
	binary.Write(buf, binary.BigEndian, s.addString(f.Name))

	var flags byte
	if f.Declared {
		flags |= fnDeclared
	}
	if f.AddressTaken {
		flags |= fnAddressTaken
	}
	if f.NoReturn {
		flags |= fnNoReturn
	}
	buf.WriteByte(flags)

	binary.Write(buf, binary.BigEndian, uint32(len(f.Params)))
	for _, p := range f.Params {
		binary.Write(buf, binary.BigEndian, s.addString(p.Name))
	}

	// 函数内指令统一编号，操作数按编号引用
	instrID := make(map[*Instr]uint32)
	blockID := make(map[*Block]uint32)
	n := uint32(0)
	for bi, b := range f.Blocks {
		blockID[b] = uint32(bi)
		for _, in := range b.Instrs {
			instrID[in] = n
			n++
		}
	}
	paramID := make(map[*Param]uint32, len(f.Params))
	for i, p := range f.Params {
		paramID[p] = uint32(i)
	}

	writeRef := func(v Value) error {
		switch t := v.(type) {
		case nil:
			buf.WriteByte(refNil)
			binary.Write(buf, binary.BigEndian, uint32(0))
		case *Param:
			buf.WriteByte(refParam)
			binary.Write(buf, binary.BigEndian, paramID[t])
		case *Instr:
			id, ok := instrID[t]
			if !ok {
				return fmt.Errorf("operand refers to an instruction outside the function")
			}
			buf.WriteByte(refInstr)
			binary.Write(buf, binary.BigEndian, id)
		default:
			return fmt.Errorf("unknown value kind %T", v)
		}
		return nil
	}

	binary.Write(buf, binary.BigEndian, uint32(len(f.Blocks)))
	for _, b := range f.Blocks {
		binary.Write(buf, binary.BigEndian, s.addString(b.Name))
		binary.Write(buf, binary.BigEndian, uint32(len(b.Instrs)))
		for _, in := range b.Instrs {
			buf.WriteByte(byte(in.Op))
			binary.Write(buf, binary.BigEndian, s.addString(in.Name))
			binary.Write(buf, binary.BigEndian, s.addString(in.Callee))
			binary.Write(buf, binary.BigEndian, s.addString(in.Intrinsic))
			var iflags byte
			if in.Lossless {
				iflags |= inLossless
			}
			if in.ConstIndices {
				iflags |= inConstIndices
			}
			buf.WriteByte(iflags)
			binary.Write(buf, binary.BigEndian, in.ConstVal)
			binary.Write(buf, binary.BigEndian, uint32(len(in.Operands)))
			for _, op := range in.Operands {
				if err := writeRef(op); err != nil {
					return err
				}
			}
		}

		// 终结
		buf.WriteByte(byte(b.Term.Op))
		if err := writeRef(b.Term.Val); err != nil {
			return err
		}
		binary.Write(buf, binary.BigEndian, uint32(len(b.Term.Succs)))
		for _, succ := range b.Term.Succs {
			id, ok := blockID[succ]
			if !ok {
				return fmt.Errorf("terminator successor outside the function")
			}
			binary.Write(buf, binary.BigEndian, id)
		}
	}
	return nil
}
