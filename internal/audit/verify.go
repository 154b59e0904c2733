package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// VerifyResult is the outcome of checking a log's hash chain. Head is the
// hash of the last verified line; operators can pin it to detect truncation.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Head      string `json:"head,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// brokenLink is the first failure found by Verify.
type brokenLink struct {
	line   int
	reason string
}

func (b *brokenLink) Error() string { return b.reason }

// Verify walks the log at path and reports the first line that does not
// parse, lacks a run id, or does not reference the hash of its predecessor.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	c := newChain()
	lines := 0
	err = eachLine(f, func(n int, line []byte) error {
		if err := checkLink(c.head, line); err != nil {
			return &brokenLink{line: n, reason: err.Error()}
		}
		c.advance(line)
		lines = n
		return nil
	})

	var bl *brokenLink
	if errors.As(err, &bl) {
		return VerifyResult{Lines: lines, Error: bl.reason, ErrorLine: bl.line}
	}
	if err != nil {
		return VerifyResult{Lines: lines, Error: fmt.Sprintf("scan: %v", err)}
	}
	return VerifyResult{Valid: true, Lines: lines, Head: c.head}
}

func checkLink(want string, line []byte) error {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return fmt.Errorf("parse error: %v", err)
	}
	if e.RunID == "" {
		return errors.New("entry has no run_id")
	}
	if e.PrevHash != want {
		if want == GenesisHash {
			return fmt.Errorf("first entry prev_hash is %q, expected genesis hash", e.PrevHash)
		}
		return fmt.Errorf("hash mismatch: expected %s, got %s", want, e.PrevHash)
	}
	return nil
}
