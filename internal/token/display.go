package token

var display = map[Type]string{
	Identifier: "identifier",
	String:     "string",
	Number:     "number",

	And:    "'and'",
	Class:  "'class'",
	Else:   "'else'",
	False:  "'false'",
	For:    "'for'",
	Fun:    "'fun'",
	If:     "'if'",
	Nil:    "'nil'",
	Or:     "'or'",
	Print:  "'print'",
	Return: "'return'",
	Super:  "'super'",
	This:   "'this'",
	True:   "'true'",
	Var:    "'var'",
	While:  "'while'",

	Plus:      "'+'",
	Minus:     "'-'",
	Star:      "'*'",
	Slash:     "'/'",
	Bang:      "'!'",
	BangEqual: "'!='",

	Greater:      "'>'",
	GreaterEqual: "'>='",
	Less:         "'<'",
	LessEqual:    "'<='",
	Equal:        "'='",
	EqualEqual:   "'=='",

	LeftParen:  "'('",
	RightParen: "')'",
	LeftBrace:  "'{'",
	RightBrace: "'}'",
	Comma:      "','",
	Dot:        "'.'",
	Semicolon:  "';'",

	EOF:   "end of file",
	Error: "malformed token",
}

// Display renders a Type for use in a diagnostic context like "expected %s".
func (t Type) Display() string {
	if s, ok := display[t]; ok {
		return s
	}
	return string(t)
}
