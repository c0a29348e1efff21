package vm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"loxvm/internal/compiler"
)

type vmTestCase struct {
	input    string
	expected string
}

func runVM(t *testing.T, source string) (string, error) {
	t.Helper()
	fn, errs := compiler.Compile(source)
	require.Emptyf(t, errs, "compiler errors for %q", source)
	var buf bytes.Buffer
	machine := New()
	machine.SetOutput(&buf)
	_, err := machine.Run(fn)
	return buf.String(), err
}

func runVmTests(t *testing.T, tests []vmTestCase) {
	t.Helper()
	for _, tt := range tests {
		out, err := runVM(t, tt.input)
		require.NoErrorf(t, err, "vm error for %q", tt.input)
		require.Equalf(t, tt.expected, out, "input %q", tt.input)
	}
}

func TestArithmeticPrecedence(t *testing.T) {
	runVmTests(t, []vmTestCase{
		{"print 1 + 2 * 3;", "7\n"},
		{"print (1 + 2) * 3;", "9\n"},
		{"print 2 * (5 + 10);", "30\n"},
		{"print -5 + 10;", "5\n"},
	})
}

func TestStringConcatenation(t *testing.T) {
	runVmTests(t, []vmTestCase{
		{`var a = "foo"; var b = "bar"; print a + b;`, "foobar\n"},
	})
}

func TestWhileLoop(t *testing.T) {
	runVmTests(t, []vmTestCase{
		{"var i = 0; while (i < 3) { print i; i = i + 1; }", "0\n1\n2\n"},
	})
}

func TestForLoop(t *testing.T) {
	runVmTests(t, []vmTestCase{
		{"for (var i = 0; i < 3; i = i + 1) { print i; }", "0\n1\n2\n"},
	})
}

func TestClosureCaptureAndUpvalueClose(t *testing.T) {
	src := `
		fun makeCounter() {
			var n = 0;
			fun inc() {
				n = n + 1;
				return n;
			}
			return inc;
		}
		var c = makeCounter();
		print c();
		print c();
		print c();
	`
	runVmTests(t, []vmTestCase{{src, "1\n2\n3\n"}})
}

func TestShortCircuitEvaluation(t *testing.T) {
	// (1/0) must never execute; if it did, IEEE-754 division would still
	// not raise a runtime error, so this specifically checks that the
	// right-hand operand is skipped rather than merely tolerated.
	runVmTests(t, []vmTestCase{
		{"print false and (1/0); print true or (1/0);", "false\ntrue\n"},
	})
}

func TestTruthinessRoundTrip(t *testing.T) {
	runVmTests(t, []vmTestCase{
		{"print !!0;", "true\n"},
		{"print !!nil;", "false\n"},
		{"print !!false;", "false\n"},
		{`print !!"";`, "true\n"},
	})
}

func TestDivisionByZeroIsNotARuntimeError(t *testing.T) {
	out, err := runVM(t, "print 1/0; print -1/0; print 0/0;")
	if err != nil {
		t.Fatalf("unexpected runtime error: %s", err)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if lines[0] != "+Inf" || lines[1] != "-Inf" || lines[2] != "NaN" {
		t.Fatalf("unexpected output: %v", lines)
	}
}

func TestArityMismatchIsRuntimeError(t *testing.T) {
	_, err := runVM(t, "fun f(a, b) {} f(1);")
	if err == nil {
		t.Fatalf("expected a runtime error for arity mismatch")
	}
	if !strings.Contains(err.Error(), "Expected 2 arguments but got 1") {
		t.Fatalf("unexpected error message: %s", err)
	}
}

func TestUndefinedGlobalIsRuntimeError(t *testing.T) {
	_, err := runVM(t, "print nope;")
	if err == nil {
		t.Fatalf("expected a runtime error for undefined global")
	}
}

func TestUndefinedGlobalAssignmentIsRuntimeError(t *testing.T) {
	_, err := runVM(t, "nope = 1;")
	if err == nil {
		t.Fatalf("expected a runtime error: assignment never creates a global")
	}
}

func TestRecursiveFunction(t *testing.T) {
	src := `
		fun fib(n) {
			if (n < 2) return n;
			return fib(n - 1) + fib(n - 2);
		}
		print fib(10);
	`
	runVmTests(t, []vmTestCase{{src, "55\n"}})
}

func TestGlobalRedefinitionOverwrites(t *testing.T) {
	runVmTests(t, []vmTestCase{
		{"var a = 1; var a = 2; print a;", "2\n"},
	})
}

func TestNestedBlockScoping(t *testing.T) {
	runVmTests(t, []vmTestCase{
		{`
			var a = "outer";
			{
				var a = "inner";
				print a;
			}
			print a;
		`, "inner\nouter\n"},
	})
}

func TestClockNativeReturnsNumber(t *testing.T) {
	out, err := runVM(t, "print clock() > 0;")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if out != "true\n" {
		t.Fatalf("expected clock() > 0 to print true, got %q", out)
	}
}
