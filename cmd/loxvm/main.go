// Command loxvm is the CLI front end for the compiler/VM pair: with no
// arguments it runs an interactive read-eval-print loop; with one
// argument it compiles and runs that file. More than one argument is a
// usage error.
package main

import (
	"bufio"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	_ "modernc.org/sqlite"

	"loxvm/internal/chunk"
	"loxvm/internal/compiler"
	"loxvm/internal/value"
	"loxvm/internal/vm"
)

const (
	exitOK           = 0
	exitUsage        = 64 // EX_USAGE
	exitCompileError = 65 // EX_DATAERR
	exitRuntimeError = 70 // EX_SOFTWARE
)

func main() {
	showDisasm := flag.Bool("disassembly", false, "print bytecode disassembly before running")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: loxvm [--disassembly] [path]\n")
	}
	flag.Parse()

	args := flag.Args()
	switch len(args) {
	case 0:
		repl(*showDisasm)
	case 1:
		os.Exit(runFile(args[0], *showDisasm))
	default:
		flag.Usage()
		os.Exit(exitUsage)
	}
}

func runFile(path string, showDisasm bool) int {
	src, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loxvm: %s\n", err)
		return exitUsage
	}

	fn, diagnostics := compiler.Compile(string(src))
	if len(diagnostics) > 0 {
		for _, d := range diagnostics {
			fmt.Fprintln(os.Stderr, d)
		}
		return exitCompileError
	}

	if showDisasm {
		disassemble(fn, filepath.Base(path))
	}

	machine := vm.New()
	if _, err := machine.Run(fn); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntimeError
	}
	return exitOK
}

// repl runs one shared VM across lines so that globals defined on one
// line are visible on the next, mirroring the compiler/VM pair's own
// per-VM (never process-global) state discipline.
func repl(showDisasm bool) {
	machine := vm.New()
	history := openHistory()
	defer func() {
		if history != nil {
			history.Close()
		}
	}()

	interactive := isatty.IsTerminal(os.Stdin.Fd())
	scanner := bufio.NewScanner(os.Stdin)

	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		recordHistory(history, line)

		fn, diagnostics := compiler.Compile(line)
		if len(diagnostics) > 0 {
			for _, d := range diagnostics {
				fmt.Fprintln(os.Stderr, d)
			}
			continue
		}
		if showDisasm {
			disassemble(fn, "repl")
		}
		if _, err := machine.Run(fn); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

func disassemble(fn *value.ObjFunction, name string) {
	c := fn.Chunk.(*chunk.Chunk)
	c.Disassemble(os.Stdout, name)
	fmt.Printf("(%s of bytecode)\n", humanize.Bytes(uint64(len(c.Code))))
}

// openHistory persists REPL input lines to a small SQLite database so
// a line typed in one session can later be inspected; it is a CLI
// convenience only and has no bearing on language-level state, which
// this interpreter never persists. Failure to open it is non-fatal.
func openHistory() *sql.DB {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "loxvm_history.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		line TEXT NOT NULL,
		entered_at DATETIME NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil
	}
	return db
}

func recordHistory(db *sql.DB, line string) {
	if db == nil {
		return
	}
	_, _ = db.Exec(`INSERT INTO history (line, entered_at) VALUES (?, ?)`, line, time.Now().UTC())
}
