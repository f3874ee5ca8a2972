// Package shell is the line-oriented terminal front end of the userlist
// command. It reads one command per line, applies it to a client, and prints
// the list whenever it may have changed.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/userlist/userlist/pkg/client"
	"github.com/userlist/userlist/pkg/logger"
	"github.com/userlist/userlist/pkg/session"
)

var ErrFeedLost = errors.New("change feed lost")

// Client is the part of client.Client the shell drives.
type Client interface {
	BeginCreate()
	BeginModify(id int64) error
	Cancel() bool
	Commit(ctx context.Context, name string) error
	Delete(ctx context.Context, id int64) error
	Snapshot() client.View
	Changes() <-chan struct{}
	Done() <-chan struct{}
}

const help = `commands:
  list          print the list
  add           start creating a record
  edit <id>     start modifying a record
  save <name>   commit the open edit
  cancel        discard the open edit
  rm <id>       delete a record
  help          print this help
  quit          exit`

type Shell struct {
	client Client
	out    io.Writer
	logger logger.Logger
}

func New(c Client, out io.Writer, log logger.Logger) *Shell {
	return &Shell{
		client: c,
		out:    out,
		logger: logger.OrDiscard(log),
	}
}

// Run processes commands from in until quit, end of input, ctx is done, or
// the client stops.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	s.render()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return <-readErr
			}
			quit, err := s.Exec(ctx, line)
			if err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		case <-s.client.Changes():
			s.render()
		case <-s.client.Done():
			return ErrFeedLost
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Exec runs a single command line. It reports whether the shell should exit.
func (s *Shell) Exec(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "":
		return false, nil
	case "list", "ls":
		s.render()
	case "add":
		s.client.BeginCreate()
		s.render()
	case "edit":
		id, err := parseID(arg)
		if err != nil {
			return false, err
		}
		if err := s.client.BeginModify(id); err != nil {
			return false, err
		}
		s.render()
	case "save":
		if err := s.client.Commit(ctx, arg); err != nil {
			if errors.Is(err, session.ErrNotOpen) {
				return false, errors.New("nothing to save, use add or edit first")
			}
			return false, err
		}
		s.render()
	case "cancel":
		if !s.client.Cancel() {
			return false, errors.New("nothing to cancel")
		}
		s.render()
	case "rm":
		id, err := parseID(arg)
		if err != nil {
			return false, err
		}
		if err := s.client.Delete(ctx, id); err != nil {
			return false, err
		}
	case "help":
		fmt.Fprintln(s.out, help)
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q, try help", name)
	}

	return false, nil
}

func parseID(arg string) (int64, error) {
	if arg == "" {
		return 0, errors.New("missing record id")
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q", arg)
	}
	return id, nil
}

func (s *Shell) render() {
	if err := Render(s.out, s.client.Snapshot()); err != nil {
		s.logger.Warn("shell failed to render", "error", err)
	}
}

// Render writes v as a table. Locked rows are marked with '#', the row being
// edited with '*'.
func Render(w io.Writer, v client.View) error {
	var b strings.Builder

	b.WriteString("----\n")
	for _, row := range v.Rows {
		mark := ' '
		switch {
		case row.Editing:
			mark = '*'
		case row.Locked:
			mark = '#'
		}
		fmt.Fprintf(&b, "%c %5d  %s\n", mark, row.ID, row.Name)
	}
	if len(v.Rows) == 0 {
		b.WriteString("  (empty)\n")
	}

	switch v.Mode {
	case session.ModeInsert:
		b.WriteString("adding a new record, save <name> or cancel\n")
	case session.ModeUpdate:
		fmt.Fprintf(&b, "editing %s, save <name> or cancel\n", v.Active)
	}

	_, err := io.WriteString(w, b.String())
	return err
}
