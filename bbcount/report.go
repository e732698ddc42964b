package bbcount

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"sync"

	"go.uber.org/multierr"
)

// DefaultOutput is the report path used when none is configured.
const DefaultOutput = "bbcount.out"

// WriteTable serializes the table to w, one "0x<addr> <count>" line per
// block, in ascending address order.
func WriteTable(w io.Writer, table *CounterTable) error {
	return writeEntries(w, table.Snapshot())
}

func writeEntries(w io.Writer, entries []BlockCount) error {
	bw := bufio.NewWriter(w)
	buf := make([]byte, 0, 48)
	for _, e := range entries {
		if e.Count == 0 {
			continue
		}
		buf = buf[:0]
		buf = append(buf, "0x"...)
		buf = strconv.AppendUint(buf, e.Addr, 16)
		buf = append(buf, ' ')
		buf = strconv.AppendUint(buf, e.Count, 10)
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// A Reporter owns the report file. The file is opened when the reporter is
// created so that an unusable path is detected before anything runs, and it
// is written and closed exactly once.
type Reporter struct {
	path string
	// the file did not exist before the reporter opened it
	created bool

	mu   sync.Mutex
	out  io.WriteCloser
	done bool
}

// NewReporter creates (or truncates) the report file at path.
func NewReporter(path string) (*Reporter, error) {
	if path == "" {
		path = DefaultOutput
	}
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening output file: %v", ErrConfig, err)
	}
	return &Reporter{
		path:    path,
		created: errors.Is(statErr, fs.ErrNotExist),
		out:     f,
	}, nil
}

// NewWriterReporter returns a reporter writing to an already open writer.
func NewWriterReporter(w io.WriteCloser) *Reporter {
	return &Reporter{
		out: w,
	}
}

// Path returns the report path, or the empty string for writer reporters.
func (r *Reporter) Path() string {
	return r.path
}

// Report writes the table and closes the output. It may only be called once.
func (r *Reporter) Report(table *CounterTable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return ErrReported
	}
	r.done = true

	entries := table.Snapshot()
	logger.Debugf("writing %d blocks to %s", len(entries), r.path)
	err := writeEntries(r.out, entries)
	return multierr.Append(err, r.out.Close())
}

// Discard closes the output without writing anything. It is used when the
// session fails before the target starts. The file is removed if the
// reporter created it; a file that existed before is left truncated.
func (r *Reporter) Discard() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true
	err := r.out.Close()
	if r.created {
		err = multierr.Append(err, os.Remove(r.path))
	}
	return err
}
