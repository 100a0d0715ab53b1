package executor

import (
	stderrors "errors"
	"fmt"
	"os"
	"strings"
)

// readOutputFile reads a capture file with replacement of invalid bytes.
// Missing files yield an empty string; read errors yield a bracketed marker
// so the completion path never crashes on output retrieval.
func readOutputFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		return fmt.Sprintf("[Error reading output: %v]", err)
	}
	return strings.ToValidUTF8(string(data), "�")
}

// stdAs wraps the standard library errors.As, which is shadowed in this
// package by the structured errors import.
func stdAs(err error, target any) bool {
	return stderrors.As(err, target)
}
