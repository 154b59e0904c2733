package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry in a log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// TimestampFormat is the layout of Entry.Timestamp.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// maxLine bounds a single JSONL line; entries are small, errors can be long.
const maxLine = 4 * 1024 * 1024

// HashLine returns "sha256:<hex>" of one JSONL line without its newline.
func HashLine(line []byte) string {
	sum := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// chain tracks the hash every next entry must reference.
type chain struct{ head string }

func newChain() chain { return chain{head: GenesisHash} }

func (c *chain) advance(line []byte) { c.head = HashLine(line) }

// eachLine calls fn for every line of r with its 1-based number. The slice
// is only valid during the call.
func eachLine(r io.Reader, fn func(n int, line []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	n := 0
	for sc.Scan() {
		n++
		if err := fn(n, sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Log is an append-only JSONL record of evaluation runs. Each entry carries
// the hash of the line before it, so edits and deletions break the chain.
type Log struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	chain chain
}

// Open opens path for appending, creating it and its directory if needed.
// An existing log is continued from its last line.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	c, err := tail(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &Log{path: path, file: f, chain: c}, nil
}

// tail recovers the chain head of an existing log.
func tail(path string) (chain, error) {
	c := newChain()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	err = eachLine(f, func(_ int, line []byte) error {
		if len(line) > 0 {
			c.advance(line)
		}
		return nil
	})
	if err != nil {
		return c, fmt.Errorf("audit: scan existing log: %w", err)
	}
	return c, nil
}

// Record links entry to the chain and appends it. A zero Timestamp is set to
// now. The write is synced before Record returns.
func (l *Log) Record(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	entry.PrevHash = l.chain.head

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	l.chain.advance(line)
	return nil
}

// Head returns the hash the next entry will reference.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain.head
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
