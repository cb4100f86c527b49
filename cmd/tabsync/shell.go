package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/tabsync/pkg/bus"
	"github.com/aixgo-dev/tabsync/pkg/config"
	"github.com/aixgo-dev/tabsync/pkg/session"
)

var shellCommands = []string{
	"start", "get", "update", "keepalive", "clear", "presence",
	"abandoned", "clear-all", "user", "help", "exit",
}

const shellHelp = `commands:
  start <subject> [assigned|self_study] [task-id]   start or replace the session
  get                                               show the session
  update [subject=S] [mode=M] [task=ID] [notask] [title=T...]
                                                    change fields (title takes the rest of the line)
  keepalive                                         refresh last activity
  clear                                             end the session
  presence                                          list contexts seen on the bus
  abandoned [duration]                              clear the session if idle for longer
  clear-all                                         remove every stored record of the user
  user <id>                                         switch user
  exit                                              leave (asks first while a session is active)
`

func newShellCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Act as one context interactively",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requireUser(); err != nil {
				return err
			}

			ctx, rt, err := g.startRuntime(cmd, func(c *config.Config) {
				c.Observability.MetricsAddr = ""
			})
			if err != nil {
				return err
			}
			defer shutdown(rt)

			line := liner.NewLiner()
			defer func() { _ = line.Close() }()
			line.SetCtrlCAborts(true)
			line.SetCompleter(func(input string) []string {
				var out []string
				for _, c := range shellCommands {
					if strings.HasPrefix(c, strings.ToLower(input)) {
						out = append(out, c)
					}
				}
				return out
			})

			sh, err := newShell(ctx, g.user, rt.Bus(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			sh.maxInactivity = rt.Config().Session.MaxInactivity.D()
			sh.confirm = func(prompt string) bool {
				answer, err := line.Prompt(prompt + " [y/N] ")
				return err == nil && strings.EqualFold(strings.TrimSpace(answer), "y")
			}
			stop := sh.follow()
			defer stop()

			_, _ = fmt.Fprintf(sh.out, "context %s (type help)\n", rt.Bus().Identity())
			for {
				input, err := line.Prompt(fmt.Sprintf("tabsync[%s]> ", sh.user))
				switch {
				case errors.Is(err, liner.ErrPromptAborted), errors.Is(err, io.EOF):
					input = "exit"
				case err != nil:
					return fmt.Errorf("read input: %w", err)
				default:
					line.AppendHistory(input)
				}

				done, err := sh.exec(input)
				if err != nil {
					_, _ = fmt.Fprintf(sh.out, "error: %v\n", err)
				}
				if done {
					return nil
				}
			}
		},
	}
}

// shell interprets REPL lines against the session manager carried by ctx.
type shell struct {
	ctx           context.Context
	m             session.Manager
	bus           *bus.Bus
	user          string
	out           io.Writer
	maxInactivity time.Duration
	confirm       func(prompt string) bool
}

func newShell(ctx context.Context, user string, b *bus.Bus, out io.Writer) (*shell, error) {
	m, err := session.RequireManager(ctx)
	if err != nil {
		return nil, err
	}
	return &shell{
		ctx:           ctx,
		m:             m,
		bus:           b,
		user:          user,
		out:           out,
		maxInactivity: session.DefaultConfig().MaxInactivity,
		confirm:       func(string) bool { return false },
	}, nil
}

// follow prints session changes made by other contexts.
func (s *shell) follow() func() {
	return s.m.Follow(func(c session.Change) {
		if c.UserID != s.user {
			return
		}
		if c.Session != nil {
			_, _ = fmt.Fprintf(s.out, "\n* %s by %s: %s\n", c.Action, c.Origin, c.Session)
			return
		}
		_, _ = fmt.Fprintf(s.out, "\n* %s by %s\n", c.Action, c.Origin)
	})
}

func (s *shell) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.out, format, args...)
}

func (s *shell) printSession(sess *session.StudySession) {
	if sess == nil {
		s.printf("no active session\n")
		return
	}
	s.printf("%s\n", sess)
}

// exec runs one line and reports whether the shell should exit.
func (s *shell) exec(line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		s.printf("%s", shellHelp)

	case "start":
		opts, err := parseStart(args)
		if err != nil {
			return false, err
		}
		sess, err := s.m.StartSession(s.ctx, s.user, opts)
		if sess != nil {
			s.printSession(sess)
		}
		return false, err

	case "get":
		sess, err := s.m.GetSession(s.ctx, s.user)
		if err != nil {
			return false, err
		}
		s.printSession(sess)

	case "update":
		patch, err := parsePatch(line)
		if err != nil {
			return false, err
		}
		sess, err := s.m.UpdateSession(s.ctx, s.user, patch)
		if sess != nil {
			s.printSession(sess)
		}
		return false, err

	case "keepalive":
		sess, err := s.m.KeepAlive(s.ctx, s.user)
		if sess != nil {
			s.printSession(sess)
		}
		return false, err

	case "clear":
		if err := s.m.ClearSession(s.ctx, s.user); err != nil {
			return false, err
		}
		s.printf("session cleared\n")

	case "presence":
		s.printPresence()

	case "abandoned":
		maxInactivity := s.maxInactivity
		if len(args) > 0 {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return false, fmt.Errorf("invalid duration %q: %w", args[0], err)
			}
			maxInactivity = d
		}
		abandoned, err := s.m.CheckAbandoned(s.ctx, s.user, maxInactivity)
		if err != nil {
			return false, err
		}
		if abandoned {
			s.printf("session was abandoned and has been cleared\n")
		} else {
			s.printf("not abandoned\n")
		}

	case "clear-all":
		n, err := s.m.ClearAll(s.ctx, s.user)
		if err != nil {
			return false, err
		}
		s.printf("removed %d records\n", n)

	case "user":
		if len(args) != 1 {
			return false, errors.New("usage: user <id>")
		}
		s.user = args[0]

	case "exit", "quit":
		need, err := s.m.NeedsExitConfirmation(s.ctx, s.user)
		if err != nil {
			return false, err
		}
		if need && !s.confirm("A study session is active. Exit anyway?") {
			return false, nil
		}
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %q (type help)", cmd)
	}
	return false, nil
}

func (s *shell) printPresence() {
	if s.bus == nil {
		return
	}
	members := s.bus.Presence().Members()
	ids := make([]string, 0, len(members))
	for _, id := range members {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	mode := "native"
	if s.bus.Degraded() {
		mode = "relay"
	}
	s.printf("transport: %s, multiple contexts: %t\n", mode, s.m.HasMultipleContexts())
	for _, id := range ids {
		marker := " "
		if bus.Identity(id) == s.bus.Identity() {
			marker = "*"
		}
		s.printf(" %s %s\n", marker, id)
	}
}

func parseStart(args []string) (session.StartOptions, error) {
	if len(args) == 0 {
		return session.StartOptions{}, errors.New("usage: start <subject> [assigned|self_study] [task-id]")
	}
	opts := session.StartOptions{Subject: args[0]}
	if len(args) > 1 {
		opts.EntryMode = session.EntryMode(args[1])
		if !opts.EntryMode.Valid() {
			return opts, fmt.Errorf("%w: %q", session.ErrInvalidEntryMode, args[1])
		}
	}
	if len(args) > 2 {
		opts.TaskID = session.String(args[2])
	}
	return opts, nil
}

// parsePatch reads "update" arguments from the full line so that title=
// can take the remainder including spaces.
func parsePatch(line string) (session.Patch, error) {
	var patch session.Patch

	rest := strings.TrimSpace(line)
	if i := strings.IndexFunc(rest, isSpace); i >= 0 {
		rest = strings.TrimSpace(rest[i:])
	} else {
		rest = ""
	}

	for rest != "" {
		if strings.HasPrefix(rest, "title=") {
			patch.TaskTitle = session.String(strings.TrimPrefix(rest, "title="))
			break
		}
		token := rest
		if i := strings.IndexFunc(rest, isSpace); i >= 0 {
			token, rest = rest[:i], strings.TrimSpace(rest[i:])
		} else {
			rest = ""
		}

		if token == "notask" {
			patch.ClearTask = true
			continue
		}
		key, value, ok := strings.Cut(token, "=")
		if !ok || value == "" {
			return patch, fmt.Errorf("invalid field %q, want key=value", token)
		}
		switch key {
		case "subject":
			patch.Subject = session.String(value)
		case "mode":
			mode := session.EntryMode(value)
			patch.EntryMode = &mode
		case "task":
			patch.TaskID = session.String(value)
		default:
			return patch, fmt.Errorf("unknown field %q", key)
		}
	}
	return patch, nil
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' }
