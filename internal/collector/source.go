package collector

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ChannelSource reads shares from a channel. Closing the channel aborts
// collection.
type ChannelSource struct {
	C        <-chan []byte
	OnReject func(seq int, err error)
}

// NewChannelSource creates a channel backed source.
func NewChannelSource(c <-chan []byte) *ChannelSource {
	return &ChannelSource{C: c}
}

func (s *ChannelSource) Next(ctx context.Context, _ int) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case share, ok := <-s.C:
		if !ok {
			return nil, io.EOF
		}
		return share, nil
	}
}

func (s *ChannelSource) Reject(seq int, err error) {
	if s.OnReject != nil {
		s.OnReject(seq, err)
	}
}

// TerminalSource prompts key holders on a terminal without echoing input.
// When in is not a terminal, shares are read line by line.
type TerminalSource struct {
	in        *os.File
	out       io.Writer
	reader    *bufio.Reader
	threshold int
}

// NewTerminalSource creates a terminal source for threshold shares.
func NewTerminalSource(in *os.File, out io.Writer, threshold int) *TerminalSource {
	return &TerminalSource{
		in:        in,
		out:       out,
		reader:    bufio.NewReader(in),
		threshold: threshold,
	}
}

type readResult struct {
	share []byte
	err   error
}

func (s *TerminalSource) Next(ctx context.Context, seq int) ([]byte, error) {
	_, _ = fmt.Fprintf(s.out, "Key share %d of %d (hidden, type 'abort' to cancel): ", seq, s.threshold)

	// the read cannot be interrupted, so it runs apart from ctx
	ch := make(chan readResult, 1)
	go func() {
		share, err := s.read()
		ch <- readResult{share: share, err: err}
	}()

	select {
	case <-ctx.Done():
		_, _ = fmt.Fprintln(s.out)
		return nil, ctx.Err()
	case r := <-ch:
		_, _ = fmt.Fprintln(s.out)
		if r.err != nil {
			return nil, r.err
		}
		if string(bytes.TrimSpace(r.share)) == "abort" {
			return nil, ErrAborted
		}
		return r.share, nil
	}
}

func (s *TerminalSource) read() ([]byte, error) {
	fd := int(s.in.Fd())
	if term.IsTerminal(fd) {
		return term.ReadPassword(fd)
	}
	line, err := s.reader.ReadBytes('\n')
	if err == io.EOF && len(line) > 0 {
		return line, nil
	}
	return line, err
}

func (s *TerminalSource) Reject(seq int, err error) {
	_, _ = fmt.Fprintf(s.out, "share %d rejected: %v\n", seq, err)
}
