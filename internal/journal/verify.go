package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// VerifyResult holds the outcome of a chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify walks the journal and checks that every entry's prev_hash matches
// the hash of the previous line.
func Verify(path string) VerifyResult {
	entries, lines, err := read(path)
	if err != nil {
		res := VerifyResult{Error: err.Error()}
		if !isOpenError(err) {
			res.ErrorLine = len(entries) + 1
		}
		return res
	}

	for i, e := range entries {
		want := GenesisHash
		if i > 0 {
			want = HashLine(lines[i-1])
		}
		if e.PrevHash != want {
			return VerifyResult{
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", want, e.PrevHash),
				ErrorLine: i + 1,
			}
		}
	}
	return VerifyResult{Valid: true, Lines: len(entries)}
}

// ReadAll returns every entry in the journal.
func ReadAll(path string) ([]Entry, error) {
	entries, _, err := read(path)
	return entries, err
}

type openError struct{ err error }

func (e openError) Error() string { return "open: " + e.err.Error() }
func (e openError) Unwrap() error { return e.err }

func isOpenError(err error) bool {
	var oe openError
	return errors.As(err, &oe)
}

func read(path string) ([]Entry, [][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, openError{err}
	}
	defer f.Close()

	var (
		entries []Entry
		lines   [][]byte
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return entries, lines, fmt.Errorf("parse error: %w", err)
		}
		entries = append(entries, e)
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return entries, lines, fmt.Errorf("scan: %w", err)
	}
	return entries, lines, nil
}
