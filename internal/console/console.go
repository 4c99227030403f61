// Package console implements the interactive operator prompt.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/soucevi1/diploma-thesis-server/internal/model"
)

// ErrQuit is returned by Run when the operator asks to exit.
var ErrQuit = errors.New("console: quit requested")

// Controller is the part of the connection registry the console drives.
type Controller interface {
	List() []model.ConnectionInfo
	Active() string
	SetActive(id string) (string, error)
	Remove(id string, manual bool) error
	StartRecording(id string) (model.Recording, error)
	StopRecording(id string) (model.Recording, error)
}

// Console reads commands line by line and applies them to a Controller.
type Console struct {
	reg Controller
	in  io.Reader
	out io.Writer
}

// New creates a console reading from in and writing to out.
func New(reg Controller, in io.Reader, out io.Writer) *Console {
	return &Console{reg: reg, in: in, out: out}
}

// Run shows the help text and processes commands until the input ends, ctx
// is cancelled, or the operator quits, in which case ErrQuit is returned.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.help()
	for {
		fmt.Fprint(c.out, "> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if c.Exec(line) {
				fmt.Fprintln(c.out, "Exiting application")
				return ErrQuit
			}
		}
	}
}

// Exec runs a single command line and reports whether it was a quit request.
func (c *Console) Exec(line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "l":
		c.list()
	case "s":
		c.withID(cmd, args, c.switchTo)
	case "r":
		c.withID(cmd, args, c.remove)
	case "rec":
		c.withID(cmd, args, c.startRecording)
	case "stop":
		c.withID(cmd, args, c.stopRecording)
	case "h":
		c.help()
	case "q":
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s\n", cmd)
	}
	return false
}

// withID validates the connection argument of cmd and passes it to fn.
// "a" and "active" stand for the active connection.
func (c *Console) withID(cmd string, args []string, fn func(id string)) {
	if len(args) != 1 {
		fmt.Fprintf(c.out, "Usage: %s <IP:port|a>\n", cmd)
		return
	}
	if args[0] == "a" || args[0] == "active" {
		id := c.reg.Active()
		if id == "" {
			fmt.Fprintln(c.out, "No active connection")
			return
		}
		fn(id)
		return
	}
	id, err := model.ParseSenderID(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Connection in wrong format: %s. Should be: IP:port\n", args[0])
		return
	}
	fn(id)
}

func (c *Console) list() {
	active := c.reg.Active()
	fmt.Fprintln(c.out, "----------------------------------------")
	fmt.Fprintf(c.out, "Active connection: %s\n", active)
	fmt.Fprintln(c.out, "----------------------------------------")
	fmt.Fprintln(c.out, "Other connections: ")
	for _, info := range c.reg.List() {
		if info.ID == active {
			continue
		}
		fmt.Fprintf(c.out, " - %s  %s  buffer %d/%d B  seen %s ago\n",
			info.ID, info.State, info.BufferUsed, info.BufferSize,
			time.Since(info.LastSeen).Round(time.Millisecond))
	}
}

func (c *Console) switchTo(id string) {
	previous, err := c.reg.SetActive(id)
	if err != nil {
		fmt.Fprintf(c.out, "Cannot switch: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "[-] Connection %s set as active. Replaced %s\n", id, previous)
}

func (c *Console) remove(id string) {
	if err := c.reg.Remove(id, true); err != nil {
		fmt.Fprintf(c.out, "Cannot remove: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "[-] Connection %s removed.\n", id)
}

func (c *Console) startRecording(id string) {
	rec, err := c.reg.StartRecording(id)
	if err != nil {
		fmt.Fprintf(c.out, "Cannot record: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "[+] Recording %s to %s (%d B pre-roll)\n", id, rec.Path, rec.PreRoll)
}

func (c *Console) stopRecording(id string) {
	rec, err := c.reg.StopRecording(id)
	if err != nil {
		fmt.Fprintf(c.out, "Cannot stop: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "[+] File %s created (%d B, %s)\n", rec.Path, rec.Bytes, rec.Duration().Round(time.Millisecond))
}

func (c *Console) help() {
	fmt.Fprint(c.out, `
USAGE:
======
l: List all available connections
   The server adds a connection when it first receives data from it.

s <CONNECTION>: Switch to chosen connection
                Data from this connection will be played on the speaker.
                Example: s 192.168.1.100:12345

r <CONNECTION>: Remove selected connection
                The sender is refused for a while after manual removal.
                Example: r 192.168.1.100:12345

rec <CONNECTION>: Start recording, including the buffered audio
stop <CONNECTION>: Stop recording and finish the WAV file

CONNECTION is IP:port ([IPv6]:port), or "a" for the active connection.

q: Quit this application.

h: Show this help

`)
}
