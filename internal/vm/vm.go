// Package vm implements the stack-based interpreter: frame discipline,
// closure instantiation over compiled Functions, and upvalue hoisting.
// It is the runtime half of the compiler/VM pair.
package vm

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dolthub/swiss"
	"github.com/google/uuid"

	"loxvm/internal/chunk"
	"loxvm/internal/value"
)

const initialGlobalsCapacity = 64

const (
	StackMax  = 256 * 64
	FramesMax = 64
)

// Upvalue is a two-state reference to a value: open while it points
// into a still-live stack slot, closed once it owns the value on its
// own. The stack is a fixed-size array (never reallocated), so a raw
// pointer into it stays valid for as long as the frame that owns the
// slot is live. index records that slot's absolute stack position so
// the open-upvalue list can be kept ordered and searched without
// relying on pointer ordering comparisons, which Go does not define.
type Upvalue struct {
	slot   *value.Value
	index  int
	closed value.Value
	open   bool
	next   *Upvalue
}

func (u *Upvalue) get() value.Value {
	if u.open {
		return *u.slot
	}
	return u.closed
}

func (u *Upvalue) set(v value.Value) {
	if u.open {
		*u.slot = v
		return
	}
	u.closed = v
}

// Closure pairs a compiled Function with the upvalue cells it captured
// at creation time. Multiple closures may share one Function but never
// share an upvalue slice.
type Closure struct {
	Function *value.ObjFunction
	Upvalues []*Upvalue
}

func (c *Closure) String() string {
	if c.Function.Name == "" {
		return "<script>"
	}
	return fmt.Sprintf("<fn %s>", c.Function.Name)
}

// NativeFunction wraps a host-provided callable. Args still arrive as
// a slice so natives of nonzero arity remain possible even though the
// data model only promises a zero-argument calling convention at the
// language's own call sites for the natives this VM predefines.
type NativeFunction struct {
	Name string
	Fn   func(args []value.Value) (value.Value, error)
}

func (n *NativeFunction) String() string {
	return fmt.Sprintf("<native %s>", n.Name)
}

// CallFrame pins one invocation's slice of the shared value stack.
// base is the absolute stack index where slot 0 (the closure itself)
// lives; arguments and locals follow it.
type CallFrame struct {
	closure *Closure
	ip      int
	base    int
}

// Result mirrors the three CLI exit outcomes (0/65/70). Run itself only
// returns ResultOK or ResultRuntimeError.
type Result int

const (
	ResultOK Result = iota
	ResultCompileError
	ResultRuntimeError
)

// VM executes one top-level Closure to completion. It owns the value
// stack, the frame stack, the globals map and the open-upvalues list;
// none of that state is process-global, so multiple VMs can coexist
// for embedding.
type VM struct {
	stack    [StackMax]value.Value
	stackTop int

	frames     [FramesMax]CallFrame
	frameCount int

	globals      *swiss.Map[string, value.Value]
	openUpvalues *Upvalue

	out io.Writer

	// ID tags this instance so a host running several interpreters can
	// attribute output or errors to a particular one.
	ID uuid.UUID
}

// New returns a VM that prints to stdout and predefines the native
// functions registered by defineNatives.
func New() *VM {
	vm := &VM{
		globals: swiss.NewMap[string, value.Value](initialGlobalsCapacity),
		out:     os.Stdout,
		ID:      uuid.New(),
	}
	vm.defineNatives()
	return vm
}

// SetOutput redirects Print output, primarily for tests.
func (vm *VM) SetOutput(w io.Writer) {
	vm.out = w
}

func (vm *VM) defineNatives() {
	vm.globals.Put("clock", value.NewHeapObj(value.Native, &NativeFunction{
		Name: "clock",
		Fn: func(args []value.Value) (value.Value, error) {
			return value.NewNumber(float64(time.Now().UnixNano()) / 1e9), nil
		},
	}))
}

// Run wraps fn in a top-level Closure (capturing nothing, since a
// script has no enclosing function) and executes it to completion.
func (vm *VM) Run(fn *value.ObjFunction) (Result, error) {
	vm.stackTop = 0
	vm.frameCount = 0
	vm.openUpvalues = nil

	closure := &Closure{Function: fn, Upvalues: make([]*Upvalue, len(fn.Upvalues))}
	vm.push(value.NewHeapObj(value.Closure, closure))
	vm.frames[0] = CallFrame{closure: closure, ip: 0, base: 0}
	vm.frameCount = 1

	if err := vm.run(); err != nil {
		return ResultRuntimeError, err
	}
	return ResultOK, nil
}

// --- stack primitives -------------------------------------------------------

func (vm *VM) push(v value.Value) {
	vm.stack[vm.stackTop] = v
	vm.stackTop++
}

func (vm *VM) pop() value.Value {
	vm.stackTop--
	return vm.stack[vm.stackTop]
}

func (vm *VM) peek(distance int) value.Value {
	return vm.stack[vm.stackTop-1-distance]
}

// --- main loop ---------------------------------------------------------------

func (vm *VM) run() error {
	frame := &vm.frames[vm.frameCount-1]
	code := frame.closure.Function.Chunk.(*chunk.Chunk)

	readByte := func() byte {
		b := code.Code[frame.ip]
		frame.ip++
		return b
	}
	readShort := func() uint16 {
		hi := code.Code[frame.ip]
		lo := code.Code[frame.ip+1]
		frame.ip += 2
		return uint16(hi)<<8 | uint16(lo)
	}
	readConstant := func() value.Value {
		return code.Constants[readByte()]
	}

	for {
		op := chunk.OpCode(readByte())
		switch op {
		case chunk.OpConstant:
			vm.push(readConstant())

		case chunk.OpNil:
			vm.push(value.NewNil())
		case chunk.OpTrue:
			vm.push(value.NewBool(true))
		case chunk.OpFalse:
			vm.push(value.NewBool(false))

		case chunk.OpPop:
			vm.pop()

		case chunk.OpGetLocal:
			slot := readByte()
			vm.push(vm.stack[frame.base+int(slot)])
		case chunk.OpSetLocal:
			slot := readByte()
			vm.stack[frame.base+int(slot)] = vm.peek(0)

		case chunk.OpGetGlobal:
			name := readConstant().AsString()
			v, ok := vm.globals.Get(name)
			if !ok {
				return vm.runtimeError(frame, "undefined variable '%s'", name)
			}
			vm.push(v)
		case chunk.OpDefineGlobal:
			name := readConstant().AsString()
			vm.globals.Put(name, vm.pop())
		case chunk.OpSetGlobal:
			name := readConstant().AsString()
			if _, ok := vm.globals.Get(name); !ok {
				return vm.runtimeError(frame, "undefined variable '%s'", name)
			}
			vm.globals.Put(name, vm.peek(0))

		case chunk.OpGetUpvalue:
			slot := readByte()
			vm.push(frame.closure.Upvalues[slot].get())
		case chunk.OpSetUpvalue:
			slot := readByte()
			frame.closure.Upvalues[slot].set(vm.peek(0))

		case chunk.OpEqual:
			b := vm.pop()
			a := vm.pop()
			vm.push(value.NewBool(value.Equal(a, b)))

		case chunk.OpGreater, chunk.OpLess:
			b := vm.peek(0)
			a := vm.peek(1)
			if a.Type != value.Number || b.Type != value.Number {
				return vm.runtimeError(frame, "operands must be numbers")
			}
			vm.pop()
			vm.pop()
			if op == chunk.OpGreater {
				vm.push(value.NewBool(a.AsNumber() > b.AsNumber()))
			} else {
				vm.push(value.NewBool(a.AsNumber() < b.AsNumber()))
			}

		case chunk.OpAdd:
			b := vm.peek(0)
			a := vm.peek(1)
			switch {
			case a.Type == value.String && b.Type == value.String:
				vm.pop()
				vm.pop()
				vm.push(value.NewString(a.AsString() + b.AsString()))
			case a.Type == value.Number && b.Type == value.Number:
				vm.pop()
				vm.pop()
				vm.push(value.NewNumber(a.AsNumber() + b.AsNumber()))
			default:
				return vm.runtimeError(frame, "operands must be two numbers or two strings")
			}

		case chunk.OpSubtract, chunk.OpMultiply, chunk.OpDivide:
			b := vm.peek(0)
			a := vm.peek(1)
			if a.Type != value.Number || b.Type != value.Number {
				return vm.runtimeError(frame, "operands must be numbers")
			}
			vm.pop()
			vm.pop()
			switch op {
			case chunk.OpSubtract:
				vm.push(value.NewNumber(a.AsNumber() - b.AsNumber()))
			case chunk.OpMultiply:
				vm.push(value.NewNumber(a.AsNumber() * b.AsNumber()))
			case chunk.OpDivide:
				// IEEE-754 division: a/0 yields +-Inf or NaN, never an error.
				vm.push(value.NewNumber(a.AsNumber() / b.AsNumber()))
			}

		case chunk.OpNot:
			vm.push(value.NewBool(vm.pop().IsFalsey()))

		case chunk.OpNegate:
			v := vm.peek(0)
			if v.Type != value.Number {
				return vm.runtimeError(frame, "operand must be a number")
			}
			vm.pop()
			vm.push(value.NewNumber(-v.AsNumber()))

		case chunk.OpPrint:
			fmt.Fprintf(vm.out, "%s\n", vm.pop())

		case chunk.OpJump:
			off := readShort()
			frame.ip += int(off)
		case chunk.OpJumpIfFalse:
			off := readShort()
			if vm.peek(0).IsFalsey() {
				frame.ip += int(off)
			}
		case chunk.OpLoop:
			off := readShort()
			frame.ip -= int(off)

		case chunk.OpCall:
			argCount := int(readByte())
			if err := vm.callValue(vm.peek(argCount), argCount); err != nil {
				return err
			}
			frame = &vm.frames[vm.frameCount-1]
			code = frame.closure.Function.Chunk.(*chunk.Chunk)

		case chunk.OpMakeClosure:
			fnVal := readConstant()
			fn := fnVal.AsFunction()
			closure := &Closure{Function: fn, Upvalues: make([]*Upvalue, len(fn.Upvalues))}
			for i := range fn.Upvalues {
				isLocal := readByte() == 1
				index := readByte()
				if isLocal {
					closure.Upvalues[i] = vm.captureUpvalue(frame.base + int(index))
				} else {
					closure.Upvalues[i] = frame.closure.Upvalues[index]
				}
			}
			vm.push(value.NewHeapObj(value.Closure, closure))

		case chunk.OpCloseUpvalue:
			vm.closeUpvalues(vm.stackTop - 1)
			vm.pop()

		case chunk.OpReturn:
			result := vm.pop()
			vm.closeUpvalues(frame.base)
			vm.frameCount--
			if vm.frameCount == 0 {
				vm.pop() // the top-level script closure itself
				return nil
			}
			vm.stackTop = frame.base
			vm.push(result)
			frame = &vm.frames[vm.frameCount-1]
			code = frame.closure.Function.Chunk.(*chunk.Chunk)

		default:
			return vm.runtimeError(frame, "unknown opcode %d", op)
		}
	}
}

// callValue dispatches a Call opcode: callee must be a Closure or a
// NativeFunction; anything else is a runtime error.
func (vm *VM) callValue(callee value.Value, argCount int) error {
	switch callee.Type {
	case value.Closure:
		return vm.call(callee.Obj.(*Closure), argCount)
	case value.Native:
		native := callee.Obj.(*NativeFunction)
		args := vm.stack[vm.stackTop-argCount : vm.stackTop]
		result, err := native.Fn(args)
		if err != nil {
			return vm.runtimeError(&vm.frames[vm.frameCount-1], "%s", err)
		}
		vm.stackTop -= argCount + 1
		vm.push(result)
		return nil
	default:
		return vm.runtimeError(&vm.frames[vm.frameCount-1], "can only call functions and classes")
	}
}

func (vm *VM) call(closure *Closure, argCount int) error {
	fn := closure.Function
	if argCount != fn.Arity {
		return vm.runtimeError(&vm.frames[vm.frameCount-1], "Expected %d arguments but got %d", fn.Arity, argCount)
	}
	if vm.frameCount == FramesMax {
		return vm.runtimeError(&vm.frames[vm.frameCount-1], "stack overflow")
	}
	vm.frames[vm.frameCount] = CallFrame{
		closure: closure,
		ip:      0,
		base:    vm.stackTop - argCount - 1,
	}
	vm.frameCount++
	return nil
}

// captureUpvalue finds an existing open upvalue for the stack slot at
// index, or creates one, keeping the open list ordered by descending
// index so closeUpvalues can stop at the first slot below its
// watermark.
func (vm *VM) captureUpvalue(index int) *Upvalue {
	var prev *Upvalue
	curr := vm.openUpvalues
	for curr != nil && curr.index > index {
		prev = curr
		curr = curr.next
	}
	if curr != nil && curr.index == index {
		return curr
	}
	created := &Upvalue{slot: &vm.stack[index], index: index, open: true, next: curr}
	if prev == nil {
		vm.openUpvalues = created
	} else {
		prev.next = created
	}
	return created
}

// closeUpvalues hoists every open upvalue whose slot index is >= from
// into owned storage, then drops it from the open list.
func (vm *VM) closeUpvalues(from int) {
	for vm.openUpvalues != nil && vm.openUpvalues.index >= from {
		up := vm.openUpvalues
		up.closed = *up.slot
		up.open = false
		vm.openUpvalues = up.next
	}
}

func (vm *VM) runtimeError(frame *CallFrame, format string, args ...interface{}) error {
	code := frame.closure.Function.Chunk.(*chunk.Chunk)
	line := 0
	if frame.ip > 0 && frame.ip <= len(code.Lines) {
		line = code.Lines[frame.ip-1]
	}
	return fmt.Errorf("[line %d] %s", line, fmt.Sprintf(format, args...))
}
