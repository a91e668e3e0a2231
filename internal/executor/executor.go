package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultTimeout = 10 * time.Second

// Result is the outcome of one code execution. TimedOut is a normal
// outcome, not an error: the output carries the timeout message.
type Result struct {
	Output   string `json:"output"`
	TimedOut bool   `json:"timed_out"`
}

// Executor runs one (code, language) submission per call in its own
// subprocess. It holds no state between calls and is safe for
// concurrent use.
type Executor struct {
	timeout time.Duration
}

func New(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{timeout: timeout}
}

// Run executes code in the given language to completion or timeout.
func (e *Executor) Run(ctx context.Context, code, language string) Result {
	zap.L().Info("exec.run",
		zap.String("language", language),
		zap.Int("code_len", len(code)),
	)

	switch language {
	case "python":
		return e.runPython(ctx, code)
	case "javascript":
		return e.runJavaScript(ctx, code)
	case "java":
		return e.runJava(ctx, code)
	case "cpp":
		return e.runCompiled(ctx, code, "program.cpp", "g++",
			"Error: g++ is not installed. Please install MinGW or similar to compile C++ code.")
	case "c":
		return e.runCompiled(ctx, code, "program.c", "gcc",
			"Error: gcc is not installed. Please install MinGW or similar to compile C code.")
	default:
		zap.L().Warn("exec.unsupported_language", zap.String("language", language))
		return Result{Output: fmt.Sprintf("Language '%s' is not supported yet.", language)}
	}
}

func (e *Executor) runPython(ctx context.Context, code string) Result {
	bin, err := exec.LookPath("python3")
	if err != nil {
		if bin, err = exec.LookPath("python"); err != nil {
			return Result{Output: "Error: Python is not installed. Please install Python 3 to run Python code."}
		}
	}

	dir, cleanup, err := prepare(code, "program.py")
	if err != nil {
		return Result{Output: "Error: " + err.Error()}
	}
	defer cleanup()

	return e.runStep(ctx, bin, filepath.Join(dir, "program.py"))
}

func (e *Executor) runJavaScript(ctx context.Context, code string) Result {
	bin, err := exec.LookPath("node")
	if err != nil {
		return Result{Output: "Error: Node.js is not installed. Please install Node.js to run JavaScript code."}
	}

	dir, cleanup, err := prepare(code, "program.js")
	if err != nil {
		return Result{Output: "Error: " + err.Error()}
	}
	defer cleanup()

	return e.runStep(ctx, bin, filepath.Join(dir, "program.js"))
}

var javaClassRe = regexp.MustCompile(`public\s+class\s+(\w+)`)

func (e *Executor) runJava(ctx context.Context, code string) Result {
	m := javaClassRe.FindStringSubmatch(code)
	if m == nil {
		return Result{Output: "Error: No public class found in Java code."}
	}
	className := m[1]

	javac, err := exec.LookPath("javac")
	if err != nil {
		return Result{Output: "Error: Java is not installed. Please install JDK to run Java code."}
	}
	java, err := exec.LookPath("java")
	if err != nil {
		return Result{Output: "Error: Java is not installed. Please install JDK to run Java code."}
	}

	dir, cleanup, err := prepare(code, className+".java")
	if err != nil {
		return Result{Output: "Error: " + err.Error()}
	}
	defer cleanup()

	if res, failed := e.compileStep(ctx, javac, filepath.Join(dir, className+".java")); failed {
		return res
	}
	return e.runStep(ctx, java, "-cp", dir, className)
}

// runCompiled covers the gcc-style languages: compile the source into an
// executable inside the temp dir, then run it.
func (e *Executor) runCompiled(ctx context.Context, code, srcName, compiler, missingMsg string) Result {
	bin, err := exec.LookPath(compiler)
	if err != nil {
		return Result{Output: missingMsg}
	}

	dir, cleanup, err := prepare(code, srcName)
	if err != nil {
		return Result{Output: "Error: " + err.Error()}
	}
	defer cleanup()

	exe := filepath.Join(dir, "program")
	if res, failed := e.compileStep(ctx, bin, filepath.Join(dir, srcName), "-o", exe); failed {
		return res
	}
	return e.runStep(ctx, exe)
}

// prepare materializes the source into a fresh temp dir and returns the
// dir plus a cleanup func for all exit paths.
func prepare(code, fileName string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "coderoom-*")
	if err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(code), 0o600); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write source: %w", err)
	}
	zap.L().Debug("exec.prepared", zap.String("dir", dir), zap.String("file", fileName))
	return dir, cleanup, nil
}

// compileStep runs the compiler; failed=true short-circuits the caller
// with a compilation-error result and the run step is skipped.
func (e *Executor) compileStep(ctx context.Context, bin string, args ...string) (Result, bool) {
	out, timedOut, exitCode, err := e.capture(ctx, bin, args...)
	if timedOut {
		return Result{Output: "Error: Code execution timed out.", TimedOut: true}, true
	}
	if err != nil {
		return Result{Output: "Error: " + err.Error()}, true
	}
	if exitCode != 0 {
		return Result{Output: "Compilation Error:\n" + out.stderr}, true
	}
	return Result{}, false
}

func (e *Executor) runStep(ctx context.Context, bin string, args ...string) Result {
	out, timedOut, exitCode, err := e.capture(ctx, bin, args...)
	if timedOut {
		zap.L().Warn("exec.timed_out", zap.String("bin", bin))
		return Result{Output: "Error: Code execution timed out.", TimedOut: true}
	}
	if err != nil {
		return Result{Output: "Error: " + err.Error()}
	}
	if exitCode != 0 {
		zap.L().Warn("exec.nonzero_exit", zap.String("bin", bin), zap.Int("code", exitCode))
	}
	return Result{Output: combine(out)}
}

type captured struct {
	stdout string
	stderr string
}

// capture runs one subprocess under the wall-clock timeout. On timeout
// the whole process group is killed so nothing keeps running after the
// result is returned.
func (e *Executor) capture(ctx context.Context, bin string, args ...string) (captured, bool, int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	setProcGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := captured{stdout: stdout.String(), stderr: stderr.String()}

	if ctx.Err() == context.DeadlineExceeded {
		return out, true, -1, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, false, exitErr.ExitCode(), nil
		}
		return out, false, -1, err
	}
	return out, false, cmd.ProcessState.ExitCode(), nil
}

// combine joins stdout and stderr in that order, trimmed; an empty
// result is reported explicitly so the UI never shows a blank panel.
func combine(out captured) string {
	s := out.stdout
	if out.stderr != "" {
		s += "\n" + out.stderr
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "Code executed successfully with no output."
	}
	return s
}
