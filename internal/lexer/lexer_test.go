package lexer

import (
	"loxvm/internal/token"
	"testing"
)

func TestNextToken(t *testing.T) {
	input := `var five = 5;
var ten = 10;

fun add(x, y) {
  return x + y;
}

var result = add(five, ten);
!-/*5;
5 < 10 > 5;

if (5 < 10) {
	return true;
} else {
	return false;
}

10 == 10;
10 != 9;
"foobar";
"foo bar";
// a trailing comment
`

	tests := []struct {
		expectedType   token.Type
		expectedLexeme string
	}{
		{token.Var, "var"},
		{token.Identifier, "five"},
		{token.Equal, "="},
		{token.Number, "5"},
		{token.Semicolon, ";"},
		{token.Var, "var"},
		{token.Identifier, "ten"},
		{token.Equal, "="},
		{token.Number, "10"},
		{token.Semicolon, ";"},
		{token.Fun, "fun"},
		{token.Identifier, "add"},
		{token.LeftParen, "("},
		{token.Identifier, "x"},
		{token.Comma, ","},
		{token.Identifier, "y"},
		{token.RightParen, ")"},
		{token.LeftBrace, "{"},
		{token.Return, "return"},
		{token.Identifier, "x"},
		{token.Plus, "+"},
		{token.Identifier, "y"},
		{token.Semicolon, ";"},
		{token.RightBrace, "}"},
		{token.Var, "var"},
		{token.Identifier, "result"},
		{token.Equal, "="},
		{token.Identifier, "add"},
		{token.LeftParen, "("},
		{token.Identifier, "five"},
		{token.Comma, ","},
		{token.Identifier, "ten"},
		{token.RightParen, ")"},
		{token.Semicolon, ";"},
		{token.Bang, "!"},
		{token.Minus, "-"},
		{token.Slash, "/"},
		{token.Star, "*"},
		{token.Number, "5"},
		{token.Semicolon, ";"},
		{token.Number, "5"},
		{token.Less, "<"},
		{token.Number, "10"},
		{token.Greater, ">"},
		{token.Number, "5"},
		{token.Semicolon, ";"},
		{token.If, "if"},
		{token.LeftParen, "("},
		{token.Number, "5"},
		{token.Less, "<"},
		{token.Number, "10"},
		{token.RightParen, ")"},
		{token.LeftBrace, "{"},
		{token.Return, "return"},
		{token.True, "true"},
		{token.Semicolon, ";"},
		{token.RightBrace, "}"},
		{token.Else, "else"},
		{token.LeftBrace, "{"},
		{token.Return, "return"},
		{token.False, "false"},
		{token.Semicolon, ";"},
		{token.RightBrace, "}"},
		{token.Number, "10"},
		{token.EqualEqual, "=="},
		{token.Number, "10"},
		{token.Semicolon, ";"},
		{token.Number, "10"},
		{token.BangEqual, "!="},
		{token.Number, "9"},
		{token.Semicolon, ";"},
		{token.String, "foobar"},
		{token.Semicolon, ";"},
		{token.String, "foo bar"},
		{token.Semicolon, ";"},
		{token.EOF, ""},
	}

	l := New(input)

	for i, tt := range tests {
		tok := l.NextToken()

		if tok.Type != tt.expectedType {
			t.Fatalf("tests[%d] - tokentype wrong. expected=%q, got=%q",
				i, tt.expectedType, tok.Type)
		}

		if tok.Lexeme != tt.expectedLexeme {
			t.Fatalf("tests[%d] - lexeme wrong. expected=%q, got=%q",
				i, tt.expectedLexeme, tok.Lexeme)
		}
	}
}

func TestLineTracking(t *testing.T) {
	input := "var a = 1;\nvar b = \"line\nbreak\";\nprint a;"
	l := New(input)

	var last token.Token
	for {
		tok := l.NextToken()
		if tok.Type == token.EOF {
			break
		}
		last = tok
	}
	if last.Line != 4 {
		t.Fatalf("expected final token on line 4, got line %d", last.Line)
	}
}

func TestUnterminatedString(t *testing.T) {
	l := New(`"never closed`)
	tok := l.NextToken()
	if tok.Type != token.Error {
		t.Fatalf("expected Error token, got %s", tok.Type)
	}
}

func TestIllegalCharacter(t *testing.T) {
	l := New("@")
	tok := l.NextToken()
	if tok.Type != token.Error {
		t.Fatalf("expected Error token, got %s", tok.Type)
	}
}
