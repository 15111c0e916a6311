package supervisor

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
)

// ForEachLine calls fn for every newline-terminated line read from r, with
// the terminator stripped. A trailing unterminated line is delivered at end
// of stream. It returns nil on end of stream or a closed reader.
func ForEachLine(r io.Reader, fn func(line []byte)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")
		if len(line) > 0 {
			fn(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// ReadCommands streams stdout lines of a specific process.
func (s *Supervisor) ReadCommands(p *Process, fn func(line []byte)) error {
	err := ForEachLine(p.Stdout(), fn)
	if err != nil {
		s.logger.Error("bridge stdout read failed", "pid", p.PID(), "error", err)
		return err
	}
	s.logger.Info("bridge stdout closed", "pid", p.PID())
	return nil
}

// ReadErrors streams stderr lines of a specific process.
func (s *Supervisor) ReadErrors(p *Process, fn func(line string)) error {
	err := ForEachLine(p.Stderr(), func(line []byte) { fn(string(line)) })
	if err != nil {
		s.logger.Error("bridge stderr read failed", "pid", p.PID(), "error", err)
		return err
	}
	s.logger.Info("bridge stderr closed", "pid", p.PID())
	return nil
}
