// Package compiler implements the single-pass Pratt-style parser that
// is also the code generator: there is no intermediate AST. Parsing an
// expression or statement emits bytecode directly into the Builder at
// the top of the compiler's function stack, while the same pass tracks
// lexical scope depth, local slot allocation, and upvalue capture.
package compiler

import (
	"fmt"
	"strconv"

	"loxvm/internal/chunk"
	"loxvm/internal/lexer"
	"loxvm/internal/token"
	"loxvm/internal/value"
)

const maxArgs = 255

// Precedence levels, lowest to highest, matching the table in the
// language grammar.
type Precedence int

const (
	PrecNone       Precedence = iota
	PrecAssignment            // =
	PrecOr                    // or
	PrecAnd                   // and
	PrecEquality              // == !=
	PrecComparison            // < <= > >=
	PrecTerm                  // + -
	PrecFactor                // * /
	PrecUnary                 // ! -
	PrecCall                  // ()
	PrecPrimary
)

type (
	prefixFn func(c *Compiler, canAssign bool)
	infixFn  func(c *Compiler, canAssign bool)
)

type parseRule struct {
	prefix     prefixFn
	infix      infixFn
	precedence Precedence
}

var rules map[token.Type]parseRule

func init() {
	rules = map[token.Type]parseRule{
		token.LeftParen:    {grouping, call, PrecCall},
		token.Minus:        {unary, binary, PrecTerm},
		token.Plus:         {nil, binary, PrecTerm},
		token.Slash:        {nil, binary, PrecFactor},
		token.Star:         {nil, binary, PrecFactor},
		token.Bang:         {unary, nil, PrecNone},
		token.BangEqual:    {nil, binary, PrecEquality},
		token.EqualEqual:   {nil, binary, PrecEquality},
		token.Greater:      {nil, binary, PrecComparison},
		token.GreaterEqual: {nil, binary, PrecComparison},
		token.Less:         {nil, binary, PrecComparison},
		token.LessEqual:    {nil, binary, PrecComparison},
		token.Identifier:   {variable, nil, PrecNone},
		token.String:       {stringLiteral, nil, PrecNone},
		token.Number:       {number, nil, PrecNone},
		token.And:          {nil, and_, PrecAnd},
		token.Or:           {nil, or_, PrecOr},
		token.False:        {literal, nil, PrecNone},
		token.Nil:          {literal, nil, PrecNone},
		token.True:         {literal, nil, PrecNone},
	}
}

func getRule(t token.Type) parseRule {
	if r, ok := rules[t]; ok {
		return r
	}
	return parseRule{nil, nil, PrecNone}
}

// local is a compile-time-only record of a name bound to a stack slot.
type local struct {
	name       string
	depth      int
	isCaptured bool
}

// upvalueRef is a compile-time-only record of one entry in a builder's
// upvalue list.
type upvalueRef struct {
	index   uint8
	isLocal bool
}

type funcKind int

const (
	kindFunction funcKind = iota
	kindScript
)

// builder is the compiler's per-function state. Builders form a stack
// via enclosing: compiling a nested `fun` pushes a fresh builder and
// compiling its body pops it back to the parent.
type builder struct {
	enclosing *builder

	chunk *chunk.Chunk
	name  string
	arity int
	kind  funcKind

	locals     []local
	upvalues   []upvalueRef
	scopeDepth int
}

func newBuilder(enclosing *builder, kind funcKind, name string) *builder {
	b := &builder{enclosing: enclosing, kind: kind, name: name, chunk: chunk.New(name)}
	// Slot 0 is reserved for the running closure itself (or the script's
	// implicit top-level closure); it is never addressable by name.
	b.locals = append(b.locals, local{name: "", depth: 0})
	return b
}

// Compiler is the single-pass parser/codegen driver. One Compiler
// compiles one top-level program into one script Function, whose Chunk
// may reference nested Function constants for `fun` declarations.
type Compiler struct {
	lex *lexer.Lexer

	current  token.Token
	previous token.Token

	panicMode bool
	errors    []string

	b *builder
}

// Compile parses and lowers source into a top-level script Function.
// It returns the function together with the list of diagnostics
// produced; a non-empty diagnostics slice means the host must not run
// the result.
func Compile(source string) (*value.ObjFunction, []string) {
	c := &Compiler{lex: lexer.New(source)}
	c.b = newBuilder(nil, kindScript, "")

	c.advance()
	for !c.match(token.EOF) {
		c.declaration()
	}
	fn := c.endCompiler()
	return fn, c.errors
}

// --- token stream -----------------------------------------------------

func (c *Compiler) advance() {
	c.previous = c.current
	for {
		c.current = c.lex.NextToken()
		if c.current.Type != token.Error {
			break
		}
		c.errorAtCurrent(c.current.Lexeme)
	}
}

func (c *Compiler) check(t token.Type) bool {
	return c.current.Type == t
}

func (c *Compiler) match(t token.Type) bool {
	if !c.check(t) {
		return false
	}
	c.advance()
	return true
}

// consume advances past t or reports a diagnostic naming t's display
// form together with purpose (e.g. "after expression").
func (c *Compiler) consume(t token.Type, purpose string) {
	if c.current.Type == t {
		c.advance()
		return
	}
	c.errorAtCurrent(fmt.Sprintf("expect %s %s", t.Display(), purpose))
}

// --- error reporting ----------------------------------------------------

func (c *Compiler) errorAtCurrent(msg string) { c.errorAt(c.current, msg) }
func (c *Compiler) error(msg string)          { c.errorAt(c.previous, msg) }

func (c *Compiler) errorAt(tok token.Token, msg string) {
	if c.panicMode {
		return
	}
	c.panicMode = true

	var context string
	switch {
	case tok.Type == token.EOF:
		context = " at end"
	case tok.Type == token.Error:
		context = ""
	default:
		context = fmt.Sprintf(" at '%s'", tok.Lexeme)
	}
	c.errors = append(c.errors, fmt.Sprintf("[line %d] Error%s: %s", tok.Line, context, msg))
}

// synchronize discards tokens until it reaches a plausible statement
// boundary, so one error does not cascade into a wall of spurious ones.
func (c *Compiler) synchronize() {
	c.panicMode = false

	for c.current.Type != token.EOF {
		if c.previous.Type == token.Semicolon {
			return
		}
		switch c.current.Type {
		case token.Class, token.Fun, token.Var, token.For,
			token.If, token.While, token.Print, token.Return:
			return
		}
		c.advance()
	}
}

// --- emission -----------------------------------------------------------

func (c *Compiler) emitByte(b byte) {
	c.b.chunk.Write(b, c.previous.Line)
}

func (c *Compiler) emitOp(op chunk.OpCode) {
	c.emitByte(byte(op))
}

func (c *Compiler) emitBytes(op chunk.OpCode, b byte) {
	c.emitOp(op)
	c.emitByte(b)
}

func (c *Compiler) emitLoop(loopStart int) {
	c.emitOp(chunk.OpLoop)
	offset := len(c.b.chunk.Code) - loopStart + 2
	if offset > 0xffff {
		c.error("loop body too large")
	}
	c.emitByte(byte(offset >> 8))
	c.emitByte(byte(offset & 0xff))
}

func (c *Compiler) emitJump(op chunk.OpCode) int {
	c.emitOp(op)
	c.emitByte(0xff)
	c.emitByte(0xff)
	return len(c.b.chunk.Code) - 2
}

// patchJump overwrites the two placeholder bytes at offset with the
// positive forward delta from just after the jump operand to the
// current end of the chunk.
func (c *Compiler) patchJump(offset int) {
	jump := len(c.b.chunk.Code) - offset - 2
	if jump > 0xffff {
		c.error("too much code to jump over")
	}
	c.b.chunk.Code[offset] = byte(jump >> 8)
	c.b.chunk.Code[offset+1] = byte(jump & 0xff)
}

func (c *Compiler) emitReturn() {
	c.emitOp(chunk.OpNil)
	c.emitOp(chunk.OpReturn)
}

func (c *Compiler) makeConstant(v value.Value) byte {
	idx := c.b.chunk.AddConstant(v)
	if idx > 255 {
		c.error("too many constants in one chunk")
		return 0
	}
	return byte(idx)
}

func (c *Compiler) emitConstant(v value.Value) {
	c.emitBytes(chunk.OpConstant, c.makeConstant(v))
}

// endCompiler finishes the current builder's function, pops back to
// its enclosing builder (if any), and returns the finished Function.
func (c *Compiler) endCompiler() *value.ObjFunction {
	c.emitReturn()
	fn := &value.ObjFunction{
		Name:  c.b.name,
		Arity: c.b.arity,
		Chunk: c.b.chunk,
	}
	for _, up := range c.b.upvalues {
		fn.Upvalues = append(fn.Upvalues, value.UpvalueMeta{IsLocal: up.isLocal, Index: up.index})
	}
	if c.b.enclosing != nil {
		c.b = c.b.enclosing
	}
	return fn
}

// --- scope & locals -------------------------------------------------------

func (c *Compiler) beginScope() {
	c.b.scopeDepth++
}

func (c *Compiler) endScope() {
	c.b.scopeDepth--
	for len(c.b.locals) > 0 && c.b.locals[len(c.b.locals)-1].depth > c.b.scopeDepth {
		last := c.b.locals[len(c.b.locals)-1]
		if last.isCaptured {
			c.emitOp(chunk.OpCloseUpvalue)
		} else {
			c.emitOp(chunk.OpPop)
		}
		c.b.locals = c.b.locals[:len(c.b.locals)-1]
	}
}

func (c *Compiler) identifierConstant(tok token.Token) byte {
	return c.makeConstant(value.NewString(tok.Lexeme))
}

func (c *Compiler) addLocal(name token.Token) {
	if len(c.b.locals) >= 256 {
		c.error("too many local variables in function")
		return
	}
	c.b.locals = append(c.b.locals, local{name: name.Lexeme, depth: -1})
}

// declareVariable binds `previous` as a local in the current scope.
// Global scope (depth 0) does its binding at runtime via DefineGlobal,
// so there is nothing to do here.
func (c *Compiler) declareVariable() {
	if c.b.scopeDepth == 0 {
		return
	}
	name := c.previous
	for i := len(c.b.locals) - 1; i >= 0; i-- {
		l := c.b.locals[i]
		if l.depth != -1 && l.depth < c.b.scopeDepth {
			break
		}
		if l.name == name.Lexeme {
			c.error("already a variable with this name in this scope")
		}
	}
	c.addLocal(name)
}

func (c *Compiler) parseVariable(purpose string) byte {
	c.consume(token.Identifier, purpose)
	c.declareVariable()
	if c.b.scopeDepth > 0 {
		return 0
	}
	return c.identifierConstant(c.previous)
}

func (c *Compiler) markInitialized() {
	if c.b.scopeDepth == 0 {
		return
	}
	c.b.locals[len(c.b.locals)-1].depth = c.b.scopeDepth
}

func (c *Compiler) defineVariable(global byte) {
	if c.b.scopeDepth > 0 {
		c.markInitialized()
		return
	}
	c.emitBytes(chunk.OpDefineGlobal, global)
}

// resolveLocal walks b's locals from innermost outward, per §4.2 step 1.
// It returns -1 if absent and -2 if the name is the local currently
// being initialized (reading a local in its own initializer).
func resolveLocal(b *builder, name token.Token) int {
	for i := len(b.locals) - 1; i >= 0; i-- {
		if b.locals[i].name == name.Lexeme {
			if b.locals[i].depth == -1 {
				return -2
			}
			return i
		}
	}
	return -1
}

// resolveUpvalue implements §4.2 step 2: search the enclosing builder's
// locals, then its own upvalues recursively, adding/deduplicating an
// UpvalueMeta at every intermediate level. c is threaded through purely
// so addUpvalue can report an overflow via c.error, the same way
// addLocal and makeConstant do.
func resolveUpvalue(c *Compiler, b *builder, name token.Token) int {
	if b.enclosing == nil {
		return -1
	}
	if local := resolveLocal(b.enclosing, name); local >= 0 {
		b.enclosing.locals[local].isCaptured = true
		return addUpvalue(c, b, uint8(local), true)
	}
	if up := resolveUpvalue(c, b.enclosing, name); up != -1 {
		return addUpvalue(c, b, uint8(up), false)
	}
	return -1
}

func addUpvalue(c *Compiler, b *builder, index uint8, isLocal bool) int {
	for i, up := range b.upvalues {
		if up.index == index && up.isLocal == isLocal {
			return i
		}
	}
	if len(b.upvalues) >= 256 {
		c.error("too many closure variables in function")
		return 0
	}
	b.upvalues = append(b.upvalues, upvalueRef{index: index, isLocal: isLocal})
	return len(b.upvalues) - 1
}

// --- expressions ----------------------------------------------------------

func (c *Compiler) parsePrecedence(prec Precedence) {
	c.advance()
	rule := getRule(c.previous.Type)
	if rule.prefix == nil {
		c.error("expect expression")
		return
	}
	canAssign := prec <= PrecAssignment
	rule.prefix(c, canAssign)

	for prec <= getRule(c.current.Type).precedence {
		c.advance()
		infix := getRule(c.previous.Type).infix
		infix(c, canAssign)
	}

	if canAssign && c.match(token.Equal) {
		c.error("invalid assignment target")
	}
}

func (c *Compiler) expression() {
	c.parsePrecedence(PrecAssignment)
}

func number(c *Compiler, _ bool) {
	n, err := strconv.ParseFloat(c.previous.Lexeme, 64)
	if err != nil {
		c.error("invalid number literal")
		return
	}
	c.emitConstant(value.NewNumber(n))
}

func stringLiteral(c *Compiler, _ bool) {
	c.emitConstant(value.NewString(c.previous.Lexeme))
}

func literal(c *Compiler, _ bool) {
	switch c.previous.Type {
	case token.False:
		c.emitOp(chunk.OpFalse)
	case token.True:
		c.emitOp(chunk.OpTrue)
	case token.Nil:
		c.emitOp(chunk.OpNil)
	}
}

func grouping(c *Compiler, _ bool) {
	c.expression()
	c.consume(token.RightParen, "after expression")
}

func unary(c *Compiler, _ bool) {
	opType := c.previous.Type
	c.parsePrecedence(PrecUnary)
	switch opType {
	case token.Minus:
		c.emitOp(chunk.OpNegate)
	case token.Bang:
		c.emitOp(chunk.OpNot)
	}
}

// binary lowers the already-consumed infix operator per the table in
// §4.2: most map to a single opcode, <= and >= lower to a comparison
// followed by Not.
func binary(c *Compiler, _ bool) {
	opType := c.previous.Type
	rule := getRule(opType)
	c.parsePrecedence(rule.precedence + 1)

	switch opType {
	case token.Plus:
		c.emitOp(chunk.OpAdd)
	case token.Minus:
		c.emitOp(chunk.OpSubtract)
	case token.Star:
		c.emitOp(chunk.OpMultiply)
	case token.Slash:
		c.emitOp(chunk.OpDivide)
	case token.EqualEqual:
		c.emitOp(chunk.OpEqual)
	case token.BangEqual:
		c.emitOp(chunk.OpEqual)
		c.emitOp(chunk.OpNot)
	case token.Greater:
		c.emitOp(chunk.OpGreater)
	case token.GreaterEqual:
		c.emitOp(chunk.OpLess)
		c.emitOp(chunk.OpNot)
	case token.Less:
		c.emitOp(chunk.OpLess)
	case token.LessEqual:
		c.emitOp(chunk.OpGreater)
		c.emitOp(chunk.OpNot)
	}
}

func and_(c *Compiler, _ bool) {
	endJump := c.emitJump(chunk.OpJumpIfFalse)
	c.emitOp(chunk.OpPop)
	c.parsePrecedence(PrecAnd)
	c.patchJump(endJump)
}

func or_(c *Compiler, _ bool) {
	elseJump := c.emitJump(chunk.OpJumpIfFalse)
	endJump := c.emitJump(chunk.OpJump)
	c.patchJump(elseJump)
	c.emitOp(chunk.OpPop)
	c.parsePrecedence(PrecOr)
	c.patchJump(endJump)
}

func call(c *Compiler, _ bool) {
	argCount := c.argumentList()
	c.emitBytes(chunk.OpCall, argCount)
}

func (c *Compiler) argumentList() byte {
	var count int
	if !c.check(token.RightParen) {
		for {
			c.expression()
			if count == maxArgs {
				c.error("can't have more than 255 arguments")
			}
			count++
			if !c.match(token.Comma) {
				break
			}
		}
	}
	c.consume(token.RightParen, "after arguments")
	return byte(count)
}

func variable(c *Compiler, canAssign bool) {
	namedVariable(c, c.previous, canAssign)
}

func namedVariable(c *Compiler, name token.Token, canAssign bool) {
	var getOp, setOp chunk.OpCode
	arg := resolveLocal(c.b, name)
	switch {
	case arg == -2:
		c.error("can't read local variable in its own initializer")
		arg = 0
		getOp, setOp = chunk.OpGetLocal, chunk.OpSetLocal
	case arg != -1:
		getOp, setOp = chunk.OpGetLocal, chunk.OpSetLocal
	default:
		if up := resolveUpvalue(c, c.b, name); up != -1 {
			arg = up
			getOp, setOp = chunk.OpGetUpvalue, chunk.OpSetUpvalue
		} else {
			arg = int(c.identifierConstant(name))
			getOp, setOp = chunk.OpGetGlobal, chunk.OpSetGlobal
		}
	}

	if canAssign && c.match(token.Equal) {
		c.expression()
		c.emitBytes(setOp, byte(arg))
	} else {
		c.emitBytes(getOp, byte(arg))
	}
}

// --- statements -------------------------------------------------------------

func (c *Compiler) declaration() {
	switch {
	case c.match(token.Var):
		c.varDeclaration()
	case c.match(token.Fun):
		c.funDeclaration()
	default:
		c.statement()
	}
	if c.panicMode {
		c.synchronize()
	}
}

func (c *Compiler) varDeclaration() {
	global := c.parseVariable("as variable name")
	if c.match(token.Equal) {
		c.expression()
	} else {
		c.emitOp(chunk.OpNil)
	}
	c.consume(token.Semicolon, "after variable declaration")
	c.defineVariable(global)
}

func (c *Compiler) funDeclaration() {
	global := c.parseVariable("as function name")
	c.markInitialized()
	c.function(kindFunction)
	c.defineVariable(global)
}

// function compiles a `(params) { body }` into its own builder, then
// emits MakeClosure (plus one is_local/index pair per captured
// upvalue) into the enclosing chunk.
func (c *Compiler) function(kind funcKind) {
	name := c.previous.Lexeme
	c.b = newBuilder(c.b, kind, name)
	c.beginScope()

	c.consume(token.LeftParen, "after function name")
	if !c.check(token.RightParen) {
		for {
			c.b.arity++
			if c.b.arity > maxArgs {
				c.errorAtCurrent("can't have more than 255 parameters")
			}
			paramConst := c.parseVariable("as parameter name")
			c.defineVariable(paramConst)
			if !c.match(token.Comma) {
				break
			}
		}
	}
	c.consume(token.RightParen, "after parameters")
	c.consume(token.LeftBrace, "before function body")
	c.block()

	fn := c.endCompiler()
	idx := c.makeConstant(value.NewFunction(fn))
	c.emitBytes(chunk.OpMakeClosure, idx)

	for _, up := range fn.Upvalues {
		if up.IsLocal {
			c.emitByte(1)
		} else {
			c.emitByte(0)
		}
		c.emitByte(up.Index)
	}
}

func (c *Compiler) block() {
	for !c.check(token.RightBrace) && !c.check(token.EOF) {
		c.declaration()
	}
	c.consume(token.RightBrace, "after block")
}

func (c *Compiler) statement() {
	switch {
	case c.match(token.Print):
		c.printStatement()
	case c.match(token.If):
		c.ifStatement()
	case c.match(token.While):
		c.whileStatement()
	case c.match(token.For):
		c.forStatement()
	case c.match(token.Return):
		c.returnStatement()
	case c.match(token.LeftBrace):
		c.beginScope()
		c.block()
		c.endScope()
	default:
		c.expressionStatement()
	}
}

func (c *Compiler) printStatement() {
	c.expression()
	c.consume(token.Semicolon, "after value")
	c.emitOp(chunk.OpPrint)
}

func (c *Compiler) expressionStatement() {
	c.expression()
	c.consume(token.Semicolon, "after expression")
	c.emitOp(chunk.OpPop)
}

func (c *Compiler) ifStatement() {
	c.consume(token.LeftParen, "after 'if'")
	c.expression()
	c.consume(token.RightParen, "after condition")

	thenJump := c.emitJump(chunk.OpJumpIfFalse)
	c.emitOp(chunk.OpPop)
	c.statement()

	elseJump := c.emitJump(chunk.OpJump)
	c.patchJump(thenJump)
	c.emitOp(chunk.OpPop)

	if c.match(token.Else) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *Compiler) whileStatement() {
	loopStart := len(c.b.chunk.Code)
	c.consume(token.LeftParen, "after 'while'")
	c.expression()
	c.consume(token.RightParen, "after condition")

	exitJump := c.emitJump(chunk.OpJumpIfFalse)
	c.emitOp(chunk.OpPop)
	c.statement()
	c.emitLoop(loopStart)

	c.patchJump(exitJump)
	c.emitOp(chunk.OpPop)
}

// forStatement desugars into a block containing the initializer
// followed by an equivalent while loop, per §4.2.
func (c *Compiler) forStatement() {
	c.beginScope()
	c.consume(token.LeftParen, "after 'for'")

	switch {
	case c.match(token.Semicolon):
		// no initializer
	case c.match(token.Var):
		c.varDeclaration()
	default:
		c.expressionStatement()
	}

	loopStart := len(c.b.chunk.Code)
	exitJump := -1
	if !c.match(token.Semicolon) {
		c.expression()
		c.consume(token.Semicolon, "after loop condition")
		exitJump = c.emitJump(chunk.OpJumpIfFalse)
		c.emitOp(chunk.OpPop)
	}

	if !c.match(token.RightParen) {
		bodyJump := c.emitJump(chunk.OpJump)
		incrStart := len(c.b.chunk.Code)
		c.expression()
		c.emitOp(chunk.OpPop)
		c.consume(token.RightParen, "after for clauses")

		c.emitLoop(loopStart)
		loopStart = incrStart
		c.patchJump(bodyJump)
	}

	c.statement()
	c.emitLoop(loopStart)

	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emitOp(chunk.OpPop)
	}
	c.endScope()
}

func (c *Compiler) returnStatement() {
	if c.match(token.Semicolon) {
		c.emitReturn()
		return
	}
	c.expression()
	c.consume(token.Semicolon, "after return value")
	c.emitOp(chunk.OpReturn)
}
