package ir

import (
	"encoding/binary"
	"fmt"
)

// Deserializer 模块反序列化器
type Deserializer struct {
	data       []byte
	pos        int
	stringPool []string
}

// NewDeserializer 创建反序列化器
func NewDeserializer(data []byte) *Deserializer {
	return &Deserializer{data: data}
}

// Deserialize 反序列化整个模块
func (d *Deserializer) Deserialize() (*Module, error) {
	stringPoolOffset, funcOffset, err := d.readHeader()
	if err != nil {
		return nil, err
	}

	d.pos = int(stringPoolOffset)
	if err := d.readStringPool(); err != nil {
		return nil, err
	}

	d.pos = int(funcOffset)
	m, err := d.readModule()
	if err != nil {
		return nil, fmt.Errorf("failed to read module body: %w", err)
	}
	return m, nil
}

// readHeader 读取并验证头部
func (d *Deserializer) readHeader() (uint32, uint32, error) {
	if len(d.data) < HeaderSize {
		return 0, 0, fmt.Errorf("module file too short: %d bytes", len(d.data))
	}
	magic := binary.BigEndian.Uint32(d.data[0:4])
	if magic != MagicNumber {
		return 0, 0, fmt.Errorf("bad magic number: %08x", magic)
	}
	if d.data[4] != MajorVersion {
		return 0, 0, fmt.Errorf("unsupported module version: %d.%d", d.data[4], d.data[5])
	}
	stringPoolOffset := binary.BigEndian.Uint32(d.data[8:12])
	funcOffset := binary.BigEndian.Uint32(d.data[12:16])
	return stringPoolOffset, funcOffset, nil
}

func (d *Deserializer) readU8() (byte, error) {
	if d.pos+1 > len(d.data) {
		return 0, fmt.Errorf("unexpected end of module file at %d", d.pos)
	}
	v := d.data[d.pos]
	d.pos++
	return v, nil
}

func (d *Deserializer) readU32() (uint32, error) {
	if d.pos+4 > len(d.data) {
		return 0, fmt.Errorf("unexpected end of module file at %d", d.pos)
	}
	v := binary.BigEndian.Uint32(d.data[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}

func (d *Deserializer) readI64() (int64, error) {
	if d.pos+8 > len(d.data) {
		return 0, fmt.Errorf("unexpected end of module file at %d", d.pos)
	}
	v := int64(binary.BigEndian.Uint64(d.data[d.pos : d.pos+8]))
	d.pos += 8
	return v, nil
}

// readString 按索引取池中字符串
func (d *Deserializer) readString() (string, error) {
	idx, err := d.readU32()
	if err != nil {
		return "", err
	}
	if int(idx) >= len(d.stringPool) {
		return "", fmt.Errorf("string index %d out of range", idx)
	}
	return d.stringPool[idx], nil
}

// readStringPool 读取字符串池
func (d *Deserializer) readStringPool() error {
	count, err := d.readU32()
	if err != nil {
		return err
	}
	d.stringPool = make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		n, err := d.readU32()
		if err != nil {
			return err
		}
		if d.pos+int(n) > len(d.data) {
			return fmt.Errorf("string pool entry %d overruns the file", i)
		}
		d.stringPool = append(d.stringPool, string(d.data[d.pos:d.pos+int(n)]))
		d.pos += int(n)
	}
	return nil
}

// readModule 读取模块体
func (d *Deserializer) readModule() (*Module, error) {
	name, err := d.readString()
	if err != nil {
		return nil, err
	}
	entry, err := d.readString()
	if err != nil {
		return nil, err
	}
	funcCount, err := d.readU32()
	if err != nil {
		return nil, err
	}

	m := NewModule(name)
	m.EntryName = entry
	for i := uint32(0); i < funcCount; i++ {
		f, err := d.readFunction()
		if err != nil {
			return nil, fmt.Errorf("failed to read function %d: %w", i, err)
		}
		m.AddFunction(f)
	}
	return m, nil
}

// pendingRef 待回填的操作数引用
type pendingRef struct {
	kind  byte
	index uint32
}

// readFunction 读取单个函数
func (d *Deserializer) readFunction() (*Function, error) {
	name, err := d.readString()
	if err != nil {
		return nil, err
	}
	flags, err := d.readU8()
	if err != nil {
		return nil, err
	}

	f := &Function{
		Name:         name,
		Declared:     flags&fnDeclared != 0,
		AddressTaken: flags&fnAddressTaken != 0,
		NoReturn:     flags&fnNoReturn != 0,
	}

	paramCount, err := d.readU32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < paramCount; i++ {
		pname, err := d.readString()
		if err != nil {
			return nil, err
		}
		f.Params = append(f.Params, &Param{Name: pname, Index: int(i)})
	}

	blockCount, err := d.readU32()
	if err != nil {
		return nil, err
	}

	// 指令引用可能是前向的（phi），先收集再回填
	var instrs []*Instr
	type instrPatch struct {
		in   *Instr
		refs []pendingRef
	}
	type termPatch struct {
		b     *Block
		val   pendingRef
		succs []uint32
	}
	var ipatches []instrPatch
	var tpatches []termPatch

	readRef := func() (pendingRef, error) {
		kind, err := d.readU8()
		if err != nil {
			return pendingRef{}, err
		}
		idx, err := d.readU32()
		if err != nil {
			return pendingRef{}, err
		}
		return pendingRef{kind: kind, index: idx}, nil
	}

	for i := uint32(0); i < blockCount; i++ {
		bname, err := d.readString()
		if err != nil {
			return nil, err
		}
		b := &Block{Name: bname, Parent: f}

		instrCount, err := d.readU32()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < instrCount; j++ {
			op, err := d.readU8()
			if err != nil {
				return nil, err
			}
			iname, err := d.readString()
			if err != nil {
				return nil, err
			}
			callee, err := d.readString()
			if err != nil {
				return nil, err
			}
			intrinsic, err := d.readString()
			if err != nil {
				return nil, err
			}
			iflags, err := d.readU8()
			if err != nil {
				return nil, err
			}
			constVal, err := d.readI64()
			if err != nil {
				return nil, err
			}
			opCount, err := d.readU32()
			if err != nil {
				return nil, err
			}
			in := &Instr{
				Op:           Op(op),
				Name:         iname,
				Callee:       callee,
				Intrinsic:    intrinsic,
				Lossless:     iflags&inLossless != 0,
				ConstIndices: iflags&inConstIndices != 0,
				ConstVal:     constVal,
			}
			patch := instrPatch{in: in}
			for k := uint32(0); k < opCount; k++ {
				ref, err := readRef()
				if err != nil {
					return nil, err
				}
				patch.refs = append(patch.refs, ref)
			}
			ipatches = append(ipatches, patch)
			b.Instrs = append(b.Instrs, in)
			instrs = append(instrs, in)
		}

		top, err := d.readU8()
		if err != nil {
			return nil, err
		}
		tval, err := readRef()
		if err != nil {
			return nil, err
		}
		succCount, err := d.readU32()
		if err != nil {
			return nil, err
		}
		tp := termPatch{b: b, val: tval}
		for k := uint32(0); k < succCount; k++ {
			id, err := d.readU32()
			if err != nil {
				return nil, err
			}
			tp.succs = append(tp.succs, id)
		}
		b.Term.Op = Op(top)
		tpatches = append(tpatches, tp)
		f.Blocks = append(f.Blocks, b)
	}

	// 回填操作数与后继
	resolve := func(ref pendingRef) (Value, error) {
		switch ref.kind {
		case refNil:
			return nil, nil
		case refParam:
			if int(ref.index) >= len(f.Params) {
				return nil, fmt.Errorf("param index %d out of range", ref.index)
			}
			return f.Params[ref.index], nil
		case refInstr:
			if int(ref.index) >= len(instrs) {
				return nil, fmt.Errorf("instruction index %d out of range", ref.index)
			}
			return instrs[ref.index], nil
		}
		return nil, fmt.Errorf("unknown operand reference kind %d", ref.kind)
	}
	for _, p := range ipatches {
		p.in.Operands = make([]Value, len(p.refs))
		for i, ref := range p.refs {
			v, err := resolve(ref)
			if err != nil {
				return nil, err
			}
			p.in.Operands[i] = v
		}
	}
	for _, tp := range tpatches {
		v, err := resolve(tp.val)
		if err != nil {
			return nil, err
		}
		tp.b.Term.Val = v
		for _, id := range tp.succs {
			if int(id) >= len(f.Blocks) {
				return nil, fmt.Errorf("successor block index %d out of range", id)
			}
			tp.b.Term.Succs = append(tp.b.Term.Succs, f.Blocks[id])
		}
	}
	return f, nil
}
