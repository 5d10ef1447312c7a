package feed

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Parser reads a feed byte stream and emits Blocks.
type Parser struct {
	scanner *bufio.Scanner
}

// NewParser creates a Parser that reads from the given reader.
func NewParser(r io.Reader) *Parser {
	return &Parser{scanner: bufio.NewScanner(r)}
}

// Next reads the next block from the stream.
// Returns the block and true if one was read, or a zero Block and false at EOF.
func (p *Parser) Next() (Block, bool) {
	var headers []header

	for p.scanner.Scan() {
		line := strings.TrimRight(p.scanner.Text(), "\r")

		// Blank line marks end of a block
		if line == "" {
			if len(headers) > 0 {
				return Block{headers: headers}, true
			}
			continue
		}

		idx := strings.Index(line, ": ")
		if idx < 0 {
			// Banner and comment lines have no ": " separator; skip them
			// unless a block is already open.
			if len(headers) == 0 {
				continue
			}
			headers = append(headers, header{Key: "", Value: line})
			continue
		}

		headers = append(headers, header{Key: line[:idx], Value: line[idx+2:]})
	}

	if len(headers) > 0 {
		return Block{headers: headers}, true
	}
	return Block{}, false
}

// Err returns the first non-EOF read error, if any.
func (p *Parser) Err() error {
	return p.scanner.Err()
}

// ParseAll reads all blocks from the stream and returns them.
func (p *Parser) ParseAll() []Block {
	var blocks []Block
	for {
		b, ok := p.Next()
		if !ok {
			break
		}
		blocks = append(blocks, b)
	}
	return blocks
}

// ParseBytes parses all blocks from a byte slice.
func ParseBytes(data []byte) []Block {
	return NewParser(bytes.NewReader(data)).ParseAll()
}
