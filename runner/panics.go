package runner

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicError carries a recovered panic value and a trimmed stack.
type PanicError struct {
	Func  string
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("recovered from panic in %s: %v", p.Func, p.Value)
}

// Unwrap exposes the panic value when it was an error.
func (p *PanicError) Unwrap() error {
	if err, ok := p.Value.(error); ok {
		return err
	}
	return nil
}

func recoveredError(funcName string, value any) error {
	stack := make([]byte, 8096)
	n := runtime.Stack(stack, false)
	return &PanicError{Func: funcName, Value: value, Stack: cleanStackTrace(stack[:n])}
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() call line and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
