package ir

import (
	"testing"
)

func roundTripModule() *Module {
	m := NewModule("prog")

	p := &Param{Name: "n", Index: 0}
	f := &Function{Name: "fib", Params: []*Param{p}, NoReturn: false}
	entry := &Block{Name: "entry", Parent: f}
	exit := &Block{Name: "exit", Parent: f}

	two := &Instr{Op: OpConst, Name: "two", ConstVal: 2}
	cmp := &Instr{Op: OpCmp, Name: "cmp", Operands: []Value{p, two}}
	entry.Instrs = []*Instr{two, cmp}
	entry.Term = Terminator{Op: OpCondBr, Val: cmp, Succs: []*Block{exit, entry}}

	call := &Instr{Op: OpCall, Name: "r", Callee: "fib", Operands: []Value{p}}
	exit.Instrs = []*Instr{call}
	exit.Term = Terminator{Op: OpRet, Val: call}

	f.Blocks = []*Block{entry, exit}
	m.AddFunction(f)

	decl := &Function{Name: "puts", Declared: true, AddressTaken: true}
	m.AddFunction(decl)
	return m
}

func TestModuleSerializeRoundTrip(t *testing.T) {
	m := roundTripModule()

	data, err := NewSerializer().Serialize(m)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	m2, err := NewDeserializer(data).Deserialize()
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	if m2.Name != m.Name || m2.EntryName != m.EntryName {
		t.Errorf("module identity = (%s, %s), want (%s, %s)",
			m2.Name, m2.EntryName, m.Name, m.EntryName)
	}
	if len(m2.Functions) != len(m.Functions) {
		t.Fatalf("functions = %d, want %d", len(m2.Functions), len(m.Functions))
	}

	f := m2.Lookup("fib")
	if f == nil {
		t.Fatal("fib not found after round trip")
	}
	if len(f.Params) != 1 || f.Params[0].Name != "n" {
		t.Error("params lost in round trip")
	}
	if len(f.Blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(f.Blocks))
	}

	entry := f.Blocks[0]
	if len(entry.Instrs) != 2 {
		t.Fatalf("entry instrs = %d, want 2", len(entry.Instrs))
	}
	cmp := entry.Instrs[1]
	if cmp.Op != OpCmp || len(cmp.Operands) != 2 {
		t.Fatal("cmp instruction mangled")
	}
	if cmp.Operands[0] != f.Params[0] {
		t.Error("param operand not restored")
	}
	if cmp.Operands[1] != entry.Instrs[0] {
		t.Error("instruction operand not restored")
	}
	if entry.Term.Op != OpCondBr || entry.Term.Val != cmp {
		t.Error("terminator not restored")
	}
	if len(entry.Term.Succs) != 2 || entry.Term.Succs[1] != entry {
		t.Error("successors not restored")
	}

	exit := f.Blocks[1]
	if exit.Instrs[0].Callee != "fib" {
		t.Errorf("callee = %q, want fib", exit.Instrs[0].Callee)
	}
	if exit.Term.Val != exit.Instrs[0] {
		t.Error("return value not restored")
	}

	decl := m2.Lookup("puts")
	if decl == nil || !decl.Declared || !decl.AddressTaken {
		t.Error("declaration flags lost in round trip")
	}
}

func TestDeserializeBadMagic(t *testing.T) {
	m := roundTripModule()
	data, err := NewSerializer().Serialize(m)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	data[0] ^= 0xff
	if _, err := NewDeserializer(data).Deserialize(); err == nil {
		t.Fatal("expected bad magic error")
	}
}
