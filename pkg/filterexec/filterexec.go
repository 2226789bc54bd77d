// Package filterexec runs the optional external filter command spec
// §4.4 step 9 and §4.8 step 2 both reference: "stream the decrypted
// bytes through the external process (stdin→stdout or file
// substitution via $in/$out placeholders) with a per-call timeout."
// Grounded on the teacher's health.ExecChecker (pkg/health/exec.go)
// for the exec.CommandContext + timeout idiom, adapted from a
// health-probe (no output captured) to a data pipe (stdin/stdout or
// temp-file substitution captured as the return value).
package filterexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a filter subprocess call when the caller does
// not provide one (spec §5: "filter subprocess waits (bounded by
// configured timeout)").
const DefaultTimeout = 30 * time.Second

// Run executes command against input. If the command string contains
// $in or $out, temp files are substituted and the subprocess is
// expected to read/write them instead of stdin/stdout. The command
// string is split on whitespace; it is not interpreted by a shell.
func Run(ctx context.Context, command string, input []byte, timeout time.Duration) ([]byte, error) {
	if command == "" {
		return input, nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return input, nil
	}

	if strings.Contains(command, "$in") || strings.Contains(command, "$out") {
		return runWithFiles(runCtx, fields, input)
	}
	return runWithPipes(runCtx, fields, input)
}

func runWithPipes(ctx context.Context, fields []string, input []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("filterexec: %s: %w (stderr: %s)", fields[0], err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func runWithFiles(ctx context.Context, fields []string, input []byte) ([]byte, error) {
	inFile, err := os.CreateTemp("", "phineas-filter-in-*")
	if err != nil {
		return nil, fmt.Errorf("filterexec: create input temp file: %w", err)
	}
	defer os.Remove(inFile.Name())
	if _, err := inFile.Write(input); err != nil {
		inFile.Close()
		return nil, fmt.Errorf("filterexec: write input temp file: %w", err)
	}
	inFile.Close()

	outFile, err := os.CreateTemp("", "phineas-filter-out-*")
	if err != nil {
		return nil, fmt.Errorf("filterexec: create output temp file: %w", err)
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	args := make([]string, len(fields))
	copy(args, fields)
	for i, a := range args {
		a = strings.ReplaceAll(a, "$in", inFile.Name())
		a = strings.ReplaceAll(a, "$out", outPath)
		args[i] = a
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("filterexec: %s: %w (stderr: %s)", args[0], err, stderr.String())
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("filterexec: read output temp file: %w", err)
	}
	return out, nil
}
