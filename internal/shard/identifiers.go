package shard

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// IdentifierSource lists the numeric subject ids to work through.
type IdentifierSource interface {
	Identifiers(ctx context.Context) ([]uint64, error)
}

// FileSource reads one id per line. Blank lines and text after '#' are
// ignored.
type FileSource struct {
	Path string
}

// Identifiers implements IdentifierSource.
func (s FileSource) Identifiers(_ context.Context) ([]uint64, error) {
	// #nosec G304 -- the operator names the ids file on the command line.
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open ids file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadIdentifiers(f)
}

// StaticSource serves a fixed id list.
type StaticSource []uint64

// Identifiers implements IdentifierSource.
func (s StaticSource) Identifiers(context.Context) ([]uint64, error) {
	return append([]uint64(nil), s...), nil
}

// ReadIdentifiers parses the ids file format.
func ReadIdentifiers(r io.Reader) ([]uint64, error) {
	var ids []uint64
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		id, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ids line %d: %q is not a numeric id", line, text)
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ids: %w", err)
	}
	return ids, nil
}

// Claim returns the ids owned by shard index out of total.
func Claim(ids []uint64, index, total int) []uint64 {
	var out []uint64
	for _, id := range ids {
		if id%uint64(total) == uint64(index) {
			out = append(out, id)
		}
	}
	return out
}
