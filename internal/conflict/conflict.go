// Package conflict decides what happens when a session moves to a room name
// that already holds server data.
//
// The existence check is advisory. When no relay can answer, the workflow
// proceeds with a merge-style connect instead of blocking.
package conflict

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"collabtext/journalsync/internal/logging"
	"collabtext/journalsync/internal/roomname"
	"collabtext/journalsync/internal/syncerr"
	"collabtext/journalsync/internal/syncmgr"
)

// DefaultTimeout bounds an existence check across all relays.
const DefaultTimeout = 5 * time.Second

// wsSuffix is the relay's default WebSocket mount. Anything before it in an
// endpoint path is a proxy prefix shared with the status route.
const wsSuffix = "/sync/ws"

// RoomStatus is the outcome of an existence check.
type RoomStatus int

const (
	Unknown RoomStatus = iota
	Absent
	Exists
)

func (s RoomStatus) String() string {
	switch s {
	case Absent:
		return "absent"
	case Exists:
		return "exists"
	default:
		return "unknown"
	}
}

// Choice is the user's answer to a conflict prompt.
type Choice int

const (
	Cancel Choice = iota
	Merge
	Replace
)

func (c Choice) String() string {
	switch c {
	case Merge:
		return "merge"
	case Replace:
		return "replace"
	default:
		return "cancel"
	}
}

// ParseChoice accepts a choice name or its first letter.
func ParseChoice(s string) (Choice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "c", "cancel":
		return Cancel, nil
	case "m", "merge":
		return Merge, nil
	case "r", "replace":
		return Replace, nil
	}
	return Cancel, fmt.Errorf("unknown choice %q", s)
}

// Checker asks a relay whether a room holds data.
type Checker struct {
	HTTP    *http.Client
	Timeout time.Duration
}

// StatusURL maps a WebSocket endpoint to the room status URL on the same host,
// keeping any path prefix the relay is mounted under.
func StatusURL(endpoint, room string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", syncerr.New(syncerr.KindConfig, "status url", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", syncerr.Newf(syncerr.KindConfig, "status url", "endpoint %q: scheme must be ws or wss", endpoint)
	}
	mount := strings.TrimRight(u.Path, "/")
	if strings.HasSuffix(mount, wsSuffix) {
		mount = strings.TrimSuffix(mount, wsSuffix)
	} else if mount != "" {
		mount = strings.TrimRight(path.Dir(mount), "/")
	}
	u.Path = mount + "/sync/room/" + room + "/status"
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Check reports whether room exists on the relay behind endpoint. Network errors,
// timeouts and unexpected responses give Unknown. Only an invalid room name or
// endpoint is returned as an error.
func (c *Checker) Check(ctx context.Context, endpoint, room string) (RoomStatus, error) {
	name, err := roomname.Normalize(room)
	if err != nil {
		return Unknown, err
	}
	target, err := StatusURL(endpoint, name)
	if err != nil {
		return Unknown, err
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Unknown, nil
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Unknown, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Unknown, nil
	}
	var body struct {
		Exists *bool `json:"exists"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Exists == nil {
		return Unknown, nil
	}
	if *body.Exists {
		return Exists, nil
	}
	return Absent, nil
}

// Prompt is what the user is asked to decide.
type Prompt struct {
	Room string
}

// Prompter asks the user to resolve a conflict.
type Prompter interface {
	Choose(ctx context.Context, p Prompt) (Choice, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, p Prompt) (Choice, error)

func (f PrompterFunc) Choose(ctx context.Context, p Prompt) (Choice, error) {
	return f(ctx, p)
}

// LinePrompter asks on Out and reads one answer per line from In.
// End of input counts as cancel.
type LinePrompter struct {
	In  io.Reader
	Out io.Writer

	scanner *bufio.Scanner
}

func (p *LinePrompter) Choose(ctx context.Context, prompt Prompt) (Choice, error) {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	for {
		if err := ctx.Err(); err != nil {
			return Cancel, err
		}
		fmt.Fprintf(p.Out, "Room %q already has data. [m]erge, [r]eplace local data, or [c]ancel? ", prompt.Room)
		if !p.scanner.Scan() {
			if err := p.scanner.Err(); err != nil {
				return Cancel, err
			}
			return Cancel, nil
		}
		choice, err := ParseChoice(p.scanner.Text())
		if err == nil {
			return choice, nil
		}
		fmt.Fprintln(p.Out, err)
	}
}

// Session is the part of a sync session the workflow drives.
type Session interface {
	Endpoints() []string
	HasLocalState() bool
	SwitchRoom(ctx context.Context, room string, mode syncmgr.Mode) error
}

// Outcome records how a run ended.
type Outcome struct {
	Choice   Choice
	Status   RoomStatus
	Room     string
	Prompted bool
}

// Workflow resolves a pending room change.
type Workflow struct {
	Checker  *Checker
	Prompter Prompter
	Logger   *log.Logger
}

// Run checks newRoom on the session's relays and switches the session according
// to the outcome. A cancelled run leaves the session and its settings unchanged.
func (w *Workflow) Run(ctx context.Context, session Session, newRoom string) (Outcome, error) {
	logger := logging.OrNop(w.Logger)
	name, err := roomname.Normalize(newRoom)
	if err != nil {
		return Outcome{Choice: Cancel}, err
	}
	out := Outcome{Choice: Merge, Room: name}

	if session.HasLocalState() {
		out.Status = w.status(ctx, session.Endpoints(), name, logger)
	}
	if out.Status == Exists {
		if w.Prompter == nil {
			return out, syncerr.Newf(syncerr.KindConflict, "resolve room", "room %q exists and no prompter is configured", name)
		}
		out.Prompted = true
		out.Choice, err = w.Prompter.Choose(ctx, Prompt{Room: name})
		if err != nil {
			return out, syncerr.New(syncerr.KindConflict, "resolve room", err)
		}
	}

	logger.Info("room change", "room", name, "status", out.Status, "choice", out.Choice)
	switch out.Choice {
	case Cancel:
		return out, nil
	case Replace:
		return out, session.SwitchRoom(ctx, newRoom, syncmgr.ModeReplace)
	default:
		return out, session.SwitchRoom(ctx, newRoom, syncmgr.ModeMerge)
	}
}

// status asks every relay at once under one deadline. Any relay reporting the room
// wins; otherwise an absent answer beats silence.
func (w *Workflow) status(ctx context.Context, endpoints []string, room string, logger *log.Logger) RoomStatus {
	checker := w.Checker
	if checker == nil {
		checker = &Checker{}
	}
	if len(endpoints) == 0 {
		return Unknown
	}
	timeout := checker.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan RoomStatus, len(endpoints))
	for _, endpoint := range endpoints {
		endpoint := endpoint
		go func() {
			st, err := checker.Check(ctx, endpoint, room)
			if err != nil {
				logger.Warn("skipping relay for room check", "endpoint", endpoint, "err", err)
			}
			results <- st
		}()
	}

	out := Unknown
	for range endpoints {
		switch <-results {
		case Exists:
			return Exists
		case Absent:
			out = Absent
		}
	}
	return out
}
