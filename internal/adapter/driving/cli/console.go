// Package cli is a line-oriented console for placing and controlling
// calls from a terminal.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/rs/zerolog/log"
)

// Phone is the part of the call orchestrator the console drives.
type Phone interface {
	InitiateCall(ctx context.Context, remote domain.UserID, kind domain.MediaKind) (domain.CallID, error)
	AcceptCall(ctx context.Context, callID domain.CallID, upgradeToVideo bool) error
	DeclineCall(ctx context.Context, callID domain.CallID, reason string) error
	EndCall(ctx context.Context, reason domain.EndReason) error
	ToggleMute(ctx context.Context) (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	StartScreenShare(ctx context.Context, opts domain.ScreenOptions) error
	StopScreenShare(ctx context.Context) error
	SwitchDevice(ctx context.Context, kind domain.TrackKind, deviceID string) (*domain.Stream, error)
	CurrentCall() *domain.Call
	State() domain.CallState
	CallDurationSeconds() int
	ReconnectAttempts() int
	Stats(ctx context.Context) (domain.TransportStats, error)
	Events() <-chan domain.Event
}

// Media is the part of the media session the console reads.
type Media interface {
	EnumerateDevices(ctx context.Context) []domain.DeviceInfo
	AnalyzeAudioLevel() (*service.AudioLevelMeter, error)
}

var errQuit = errors.New("quit")

type Console struct {
	phone Phone
	media Media
	in    io.Reader

	mu  sync.Mutex
	out io.Writer
}

func NewConsole(phone Phone, media Media, in io.Reader, out io.Writer) *Console {
	return &Console{phone: phone, media: media, in: in, out: out}
}

// Run prints orchestrator events and executes commands until quit, end
// of input or ctx is done. An active call is hung up on the way out.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.printEvents(ctx)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("Type 'help' for commands\n")
	defer func() {
		cancel()
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			c.hangupOnExit()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				c.hangupOnExit()
				return nil
			}
			if err := c.Execute(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					c.hangupOnExit()
					return nil
				}
				c.printf("error: %v\n", err)
			}
		}
	}
}

func (c *Console) hangupOnExit() {
	if !c.phone.CurrentCall().IsActive() {
		return
	}
	if err := c.phone.EndCall(context.Background(), domain.EndCompleted); err != nil {
		log.Warn().Err(err).Msg("Failed to hang up on exit")
	}
}

// Execute runs one command line.
func (c *Console) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return nil
	}

	switch strings.ToLower(parts[0]) {
	case "help", "h":
		c.help()
	case "call", "c":
		return c.call(ctx, parts[1:])
	case "accept", "a":
		return c.accept(ctx, parts[1:])
	case "decline", "d":
		return c.decline(ctx)
	case "hangup", "end":
		return c.phone.EndCall(ctx, domain.EndCompleted)
	case "mute", "m":
		muted, err := c.phone.ToggleMute(ctx)
		if err != nil {
			return err
		}
		c.printf("microphone %s\n", onOff(!muted))
	case "video", "v":
		enabled, err := c.phone.ToggleVideo(ctx)
		if err != nil {
			return err
		}
		c.printf("camera %s\n", onOff(enabled))
	case "share":
		opts := domain.ScreenOptions{}
		if len(parts) > 1 {
			opts.DisplayID = parts[1]
		}
		return c.phone.StartScreenShare(ctx, opts)
	case "unshare":
		return c.phone.StopScreenShare(ctx)
	case "switch":
		return c.switchDevice(ctx, parts[1:])
	case "stats", "s":
		return c.stats(ctx)
	case "level":
		return c.level(ctx)
	case "devices":
		c.devices(ctx)
	case "state":
		c.state()
	case "quit", "exit", "q":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (type 'help' for commands)", parts[0])
	}
	return nil
}

func (c *Console) call(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: call <user> [audio|video]")
	}
	kind := domain.MediaAudio
	if len(args) > 1 {
		kind = domain.MediaKind(strings.ToLower(args[1]))
		if !kind.Valid() {
			return fmt.Errorf("%w: %s", domain.ErrInvalidMediaKind, args[1])
		}
	}
	callID, err := c.phone.InitiateCall(ctx, domain.UserID(args[0]), kind)
	if err != nil {
		return err
	}
	c.printf("calling %s (%s) [%s]\n", args[0], kind, callID)
	return nil
}

func (c *Console) accept(ctx context.Context, args []string) error {
	call, err := c.ringing()
	if err != nil {
		return err
	}
	upgrade := len(args) > 0 && strings.EqualFold(args[0], "video")
	return c.phone.AcceptCall(ctx, call.ID, upgrade)
}

func (c *Console) decline(ctx context.Context) error {
	call, err := c.ringing()
	if err != nil {
		return err
	}
	return c.phone.DeclineCall(ctx, call.ID, "")
}

// ringing returns the incoming call waiting for an answer.
func (c *Console) ringing() (*domain.Call, error) {
	call := c.phone.CurrentCall()
	if call == nil || call.Role != domain.RoleReceiver || call.State != domain.StateRinging {
		return nil, errors.New("no incoming call")
	}
	return call, nil
}

func (c *Console) switchDevice(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: switch <audio|video> <device-id>")
	}
	kind := domain.TrackKind(strings.ToLower(args[0]))
	if kind != domain.TrackAudio && kind != domain.TrackVideo {
		return fmt.Errorf("%w: %s", domain.ErrInvalidMediaKind, args[0])
	}
	if _, err := c.phone.SwitchDevice(ctx, kind, args[1]); err != nil {
		return err
	}
	c.printf("%s now from %s\n", kind, args[1])
	return nil
}

func (c *Console) stats(ctx context.Context) error {
	st, err := c.phone.Stats(ctx)
	if err != nil {
		return err
	}
	c.printf("sent %d B, received %d B, lost %d packets, rtt %s, duration %ds, reconnects %d\n",
		st.BytesSent, st.BytesReceived, st.PacketsLost, st.RoundTripTime,
		c.phone.CallDurationSeconds(), c.phone.ReconnectAttempts())
	return nil
}

func (c *Console) level(ctx context.Context) error {
	meter, err := c.media.AnalyzeAudioLevel()
	if err != nil {
		return err
	}
	defer meter.Release()
	v, err := meter.Sample(ctx)
	if err != nil {
		return err
	}
	const width = 30
	bar := strings.Repeat("#", int(v*width+0.5))
	c.printf("level [%-*s] %.2f\n", width, bar, v)
	return nil
}

func (c *Console) devices(ctx context.Context) {
	list := c.media.EnumerateDevices(ctx)
	if len(list) == 0 {
		c.printf("no devices\n")
		return
	}
	for _, d := range list {
		c.printf("%-12s %-24s %s\n", d.Kind, d.ID, d.Label)
	}
}

func (c *Console) state() {
	call := c.phone.CurrentCall()
	if call == nil {
		c.printf("state %s\n", c.phone.State())
		return
	}
	c.printf("state %s, %s call with %s (%s), %ds\n",
		call.State, call.Kind, partyName(call.Remote), call.Role, c.phone.CallDurationSeconds())
}

func (c *Console) help() {
	c.printf(`Commands:
  call <user> [audio|video]  place a call
  accept [video]             answer the incoming call
  decline                    reject the incoming call
  hangup                     end the current call
  mute                       toggle the microphone
  video                      toggle the camera
  share [display]            share the screen
  unshare                    stop sharing the screen
  switch <audio|video> <id>  capture from another device
  stats                      transport statistics
  level                      microphone level
  devices                    list capture devices
  state                      current call state
  quit                       hang up and exit
`)
}

func (c *Console) printEvents(ctx context.Context) {
	events := c.phone.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if line := describe(e); line != "" {
				c.printf("%s\n", line)
			}
		}
	}
}

func describe(e domain.Event) string {
	switch e := e.(type) {
	case domain.IncomingCallEvent:
		return fmt.Sprintf("* incoming %s call from %s, type 'accept' or 'decline'",
			e.Invitation.Kind, partyName(e.Invitation.From))
	case domain.CallAcceptedEvent:
		return fmt.Sprintf("* call accepted (%s)", e.Kind)
	case domain.CallDeclinedEvent:
		return fmt.Sprintf("* call declined (%s)", e.Reason)
	case domain.CallEndedEvent:
		return fmt.Sprintf("* call ended (%s) after %ds", e.Reason, e.Duration)
	case domain.LocalStreamEvent:
		if e.Screen {
			return "* sharing screen"
		}
		return fmt.Sprintf("* local capture started (%d tracks)", len(e.Stream.Tracks))
	case domain.RemoteStreamEvent:
		return fmt.Sprintf("* receiving remote %s", e.Track.Kind())
	case domain.ConnectionStateEvent:
		return fmt.Sprintf("* connection %s", e.State)
	case domain.StateChangeEvent:
		return fmt.Sprintf("* %s -> %s", e.From, e.To)
	case domain.ErrorEvent:
		return fmt.Sprintf("* error: %v", e.Err)
	case domain.RemoteMediaEvent:
		return fmt.Sprintf("* remote %s", e.Change)
	}
	return ""
}

func partyName(p domain.Party) string {
	if p.Name != "" {
		return fmt.Sprintf("%s <%s>", p.Name, p.ID)
	}
	return p.ID.String()
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
