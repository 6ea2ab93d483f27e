// File: cmd/flagrunner/main.go
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/xkilldash9x/flagrunner/cmd"
	"github.com/xkilldash9x/flagrunner/internal/observability"
)

const panicLogFile = "panic.log"

const banner = `
  _____ _                                            
 |  ___| | __ _  __ _ _ __ _   _ _ __  _ __   ___ _ __ 
 | |_  | |/ _' |/ _' | '__| | | | '_ \| '_ \ / _ \ '__|
 |  _| | | (_| | (_| | |  | |_| | | | | | | |  __/ |   
 |_|   |_|\__,_|\__, |_|   \__,_|_| |_|_| |_|\___|_|   
                |___/        plan. probe. capture.

`

// Function variables swapped out by tests.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
	newRootCmd  = cmd.NewRootCommand
)

func main() {
	defer handlePanic()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 {
		err := cmd.Execute(ctx)
		observability.Sync()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// 130 is the conventional status after SIGINT.
				osExit(130)
				return
			}
			osExit(1)
		}
		return
	}

	fmt.Print(banner)
	if err := interactive(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error reading from stdin:", err)
		osExit(1)
	}
	observability.Sync()
	fmt.Println("Exiting flagrunner.")
}

// interactive reads commands line by line until EOF, "exit" or "quit".
func interactive(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "flagrunner > ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		executeInteractiveCommand(ctx, line, out)
		if ctx.Err() != nil {
			break
		}
	}
	return scanner.Err()
}

// executeInteractiveCommand runs one line on a fresh command tree so flags do
// not leak between commands. Errors and panics are printed, never fatal.
func executeInteractiveCommand(ctx context.Context, line string, out io.Writer) {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(strings.Fields(line))
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(out, "Error: command panicked: %v\n", r)
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(out, "Error: %v\n", err)
	}
}

// handlePanic writes the panic and its stack to panic.log and exits non-zero.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(panicMessage), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
		osExit(2)
		return
	}

	fmt.Fprintf(os.Stderr, "\nflagrunner crashed. Details logged to %s\n", panicLogFile)
	osExit(2)
}
