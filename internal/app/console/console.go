// Package console is the line-oriented front end of a participant: slash
// commands drive the room and every other line is sent as a message.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/domain"
)

// ErrQuit is returned by Exec for /quit.
var ErrQuit = errors.New("quit")

// Room is the part of a room session the console drives.
type Room interface {
	Room() domain.Room
	Self() domain.Participant
	Participants() []domain.Participant
	Start() error
	Send(ctx context.Context, body string) (domain.Message, error)
	SelectRole(ctx context.Context, role domain.Role) error
	RequestEnd(ctx context.Context) error
	ApproveEnd(ctx context.Context) error
	EnableCamera(ctx context.Context) error
	DisableCamera(ctx context.Context) error
}

type Console struct {
	room Room

	mu  sync.Mutex
	out io.Writer
}

func New(room Room, out io.Writer) *Console {
	return &Console{room: room, out: out}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// Run executes lines from in until EOF, /quit or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case line := <-lines:
			if err := c.Exec(ctx, line); errors.Is(err, ErrQuit) {
				return nil
			} else if err != nil {
				c.printf("! %v", err)
			}
		}
	}
}

// Exec runs one input line.
func (c *Console) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := c.room.Send(ctx, line)
		return err
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	log.Debug().Str("module", "console").Str("cmd", cmd).Msg("command")
	switch cmd {
	case "role":
		if arg == "" {
			return errors.New("usage: /role for|against|observer|evaluator")
		}
		role, err := domain.ParseRole(arg)
		if err != nil {
			return err
		}
		return c.room.SelectRole(ctx, role)
	case "start":
		return c.room.Start()
	case "end":
		return c.room.RequestEnd(ctx)
	case "approve":
		return c.room.ApproveEnd(ctx)
	case "camera":
		switch arg {
		case "on":
			return c.room.EnableCamera(ctx)
		case "off":
			return c.room.DisableCamera(ctx)
		default:
			return errors.New("usage: /camera on|off")
		}
	case "who":
		c.Who()
		return nil
	case "help":
		c.printf("commands: /role <side>, /start, /end, /approve, /camera on|off, /who, /quit")
		return nil
	case "quit":
		return ErrQuit
	default:
		return fmt.Errorf("unknown command /%s", cmd)
	}
}

// Who prints the roster with roles, the host marked by *.
func (c *Console) Who() {
	room := c.room.Room()
	self := c.room.Self().ID
	for _, p := range c.room.Participants() {
		mark := " "
		if p.ID == room.HostID {
			mark = "*"
		}
		role := p.Role.String()
		if role == "" {
			role = "-"
		}
		line := fmt.Sprintf("%s %-12s %-10s", mark, p.DisplayName, role)
		if p.CameraOn {
			line += " [camera]"
		}
		if p.ID == self {
			line += " (you)"
		}
		c.mu.Lock()
		fmt.Fprintln(c.out, strings.TrimRight(line, " "))
		c.mu.Unlock()
	}
}

func (c *Console) Banner() {
	room := c.room.Room()
	c.printf("room %s | %s | format %s | host %s", room.ID, room.Topic, room.Format, room.HostName)
}

func (c *Console) Message(m domain.Message) {
	if m.SenderID == c.room.Self().ID {
		return
	}
	c.printf("[%s] %s: %s", m.Role, m.SenderName, m.Body)
}

func (c *Console) Notice(err error) {
	c.printf("! %v", err)
}

func (c *Console) Status(format string, args ...any) {
	c.printf("* "+format, args...)
}
