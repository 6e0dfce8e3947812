package weights

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/phuslu/log"

	"github.com/knights-analytics/yolograph/util/fileutil"
)

// LoadWTS reads a .wts weight file from a local path or an s3:// URL.
//
// The format is a header line with the number of tensors followed by one line per tensor:
// "<path> <count> <hex> <hex> ...", each hex word being the IEEE-754 bits of a float32.
func LoadWTS(ctx context.Context, url string) (table *Table, err error) {
	file, err := fileutil.OpenFile(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open weights %s: %w", url, err)
	}
	defer func(file io.Closer) {
		err = errors.Join(err, fileutil.CloseFile(file))
	}(file)
	table, err = ReadWTS(file)
	if err != nil {
		return nil, fmt.Errorf("read weights %s: %w", url, err)
	}
	log.Info().Str("url", url).Int("tensors", table.Len()).Msg("loaded weight table")
	return table, nil
}

// ReadWTS parses the .wts text format.
func ReadWTS(r io.Reader) (*Table, error) {
	reader := bufio.NewReader(r)
	header, err := fileutil.ReadLine(reader)
	if err != nil {
		return nil, fmt.Errorf("missing header: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(header)))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid tensor count %q", string(header))
	}
	table := &Table{entries: make(map[string]Entry, n), claimed: map[string]bool{}}
	for i := 0; i < n; i++ {
		line, err := fileutil.ReadLine(reader)
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			return nil, fmt.Errorf("tensor %d of %d: %w", i+1, n, err)
		}
		fields := strings.Fields(string(line))
		if len(fields) < 2 {
			return nil, fmt.Errorf("tensor %d of %d: malformed line", i+1, n)
		}
		name := fields[0]
		count, err := strconv.Atoi(fields[1])
		if err != nil || count < 0 {
			return nil, fmt.Errorf("%s: invalid element count %q", name, fields[1])
		}
		words := fields[2:]
		if len(words) != count {
			return nil, fmt.Errorf("%s: declares %d elements but has %d", name, count, len(words))
		}
		values := make([]float32, count)
		for j, word := range words {
			bits, err := strconv.ParseUint(word, 16, 32)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", name, j, err)
			}
			values[j] = math.Float32frombits(uint32(bits))
		}
		if _, dup := table.entries[name]; dup {
			return nil, fmt.Errorf("%s appears twice", name)
		}
		table.entries[name] = Entry{Values: values, Count: count}
	}
	return table, nil
}

// WriteWTS writes every entry of t in path order.
func WriteWTS(w io.Writer, t *Table) error {
	bw := bufio.NewWriter(w)
	paths := t.Paths()
	if _, err := fmt.Fprintf(bw, "%d\n", len(paths)); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, path := range paths {
		entry := t.entries[path]
		if _, err := fmt.Fprintf(bw, "%s %d", path, len(entry.Values)); err != nil {
			return err
		}
		for _, v := range entry.Values {
			if _, err := fmt.Fprintf(bw, " %x", math.Float32bits(v)); err != nil {
				return err
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}
