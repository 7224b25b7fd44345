package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"braces.dev/errtrace"
	"github.com/urfave/cli/v3"

	"github.com/ghettovoice/sipua/sip"
	"github.com/ghettovoice/sipua/ua"
)

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "register the contact and optionally stay online",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "keep",
				Usage: "stay registered until interrupted",
			},
			&cli.BoolFlag{
				Name:  "answer",
				Usage: "answer incoming calls, implies --keep",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c, err := newClient(ctx, cmd)
			if err != nil {
				return errtrace.Wrap(err)
			}
			defer c.close(ctx)

			result := make(chan ua.Event, 1)
			remove := c.ua.OnEvent(func(ev ua.Event) {
				switch ev.Type {
				case ua.EventRegistered, ua.EventRegistrationFailed:
					select {
					case result <- ev:
					default:
					}
				case ua.EventNewSession:
					if ev.Originator == ua.OriginatorRemote {
						c.handleIncoming(ev.Session, cmd.Bool("answer"))
					}
				}
			})
			defer remove()

			if err := c.ua.Register(ctx); err != nil {
				return errtrace.Wrap(err)
			}
			select {
			case ev := <-result:
				if ev.Type == ua.EventRegistrationFailed {
					return errtrace.Wrap(fmt.Errorf("registration failed: %s", describe(ev.Cause, ev.Err)))
				}
			case <-ctx.Done():
				return nil
			}
			if !cmd.Bool("keep") && !cmd.Bool("answer") {
				return nil
			}
			<-ctx.Done()
			return nil
		},
	}
}

func (c *client) handleIncoming(s *ua.Session, answer bool) {
	fmt.Fprintf(c.out, "incoming call from %s\n", s.RemoteIdentity())
	s.OnEvent(c.printSessionEvent)
	ctx := context.Background()
	if !answer {
		s.Terminate(ctx, &ua.TerminateOptions{Status: sip.StatusBusyHere}) //nolint:errcheck
		return
	}
	if err := s.Accept(ctx, nil); err != nil {
		fmt.Fprintf(c.out, "failed to answer: %v\n", err)
	}
}

func (c *client) printSessionEvent(ev ua.SessionEvent) {
	switch ev.Type {
	case ua.SessionEventFailed, ua.SessionEventEnded:
		fmt.Fprintf(c.out, "call %s: %s (%s)\n", ev.Type, ev.Cause, ev.Originator)
	case ua.SessionEventDTMF:
		fmt.Fprintf(c.out, "call dtmf: %c\n", ev.DTMF.Tone)
	default:
		fmt.Fprintf(c.out, "call %s\n", ev.Type)
	}
}

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "call a target and hang up after a while",
		ArgsUsage: "TARGET",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "duration",
				Usage: "hang up after this long, zero waits for the remote party",
				Value: 30 * time.Second,
			},
			&cli.StringFlag{
				Name:  "dtmf",
				Usage: "send these tones once the call is confirmed",
			},
			&cli.BoolFlag{
				Name:  "register",
				Usage: "register before calling",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			target := cmd.Args().First()
			if target == "" {
				return errtrace.Wrap(errors.New("missing call target"))
			}
			c, err := newClient(ctx, cmd)
			if err != nil {
				return errtrace.Wrap(err)
			}
			defer c.close(ctx)

			if cmd.Bool("register") {
				if err := c.register(ctx); err != nil {
					return errtrace.Wrap(err)
				}
			}

			confirmed := make(chan struct{})
			ended := make(chan ua.SessionEvent, 1)
			s, err := c.ua.Invite(ctx, target, &ua.CallOptions{
				EventHandler: func(ev ua.SessionEvent) {
					c.printSessionEvent(ev)
					switch ev.Type {
					case ua.SessionEventConfirmed:
						close(confirmed)
					case ua.SessionEventFailed, ua.SessionEventEnded:
						ended <- ev
					}
				},
			})
			if err != nil {
				return errtrace.Wrap(err)
			}

			var hangup <-chan time.Time
			select {
			case <-confirmed:
				if tones := cmd.String("dtmf"); tones != "" {
					if err := s.SendDTMF(ctx, tones, nil); err != nil {
						fmt.Fprintf(c.out, "failed to send DTMF: %v\n", err)
					}
				}
				if d := cmd.Duration("duration"); d > 0 {
					hangup = time.After(d)
				}
			case ev := <-ended:
				return errtrace.Wrap(callError(ev))
			case <-ctx.Done():
			}

			select {
			case ev := <-ended:
				return errtrace.Wrap(callError(ev))
			case <-hangup:
			case <-ctx.Done():
			}
			if err := s.Terminate(context.Background(), nil); err != nil {
				return errtrace.Wrap(err)
			}
			select {
			case <-ended:
			case <-time.After(shutdownTimeout):
			}
			return nil
		},
	}
}

func callError(ev ua.SessionEvent) error {
	if ev.Type == ua.SessionEventEnded {
		return nil
	}
	return fmt.Errorf("call failed: %s", ev.Cause)
}

func (c *client) register(ctx context.Context) error {
	result := make(chan ua.Event, 1)
	remove := c.ua.OnEvent(func(ev ua.Event) {
		if ev.Type == ua.EventRegistered || ev.Type == ua.EventRegistrationFailed {
			select {
			case result <- ev:
			default:
			}
		}
	})
	defer remove()

	if err := c.ua.Register(ctx); err != nil {
		return errtrace.Wrap(err)
	}
	select {
	case ev := <-result:
		if ev.Type == ua.EventRegistrationFailed {
			return errtrace.Wrap(fmt.Errorf("registration failed: %s", describe(ev.Cause, ev.Err)))
		}
		return nil
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	}
}

func optionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "options",
		Usage:     "query the capabilities of a target",
		ArgsUsage: "TARGET",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			target := cmd.Args().First()
			if target == "" {
				return errtrace.Wrap(errors.New("missing target"))
			}
			c, err := newClient(ctx, cmd)
			if err != nil {
				return errtrace.Wrap(err)
			}
			defer c.close(ctx)

			res, err := c.request(ctx, func(opts *ua.RequestOptions) error {
				return errtrace.Wrap(c.ua.SendOptions(ctx, target, opts))
			})
			if err != nil {
				return errtrace.Wrap(err)
			}
			for _, name := range []string{"Allow", "Accept", "Supported", "User-Agent", "Server"} {
				if v := res.Response.Header.Get(name); v != "" {
					fmt.Fprintf(c.out, "%s: %s\n", name, v)
				}
			}
			return nil
		},
	}
}

func messageCommand() *cli.Command {
	return &cli.Command{
		Name:      "message",
		Usage:     "send an instant message",
		ArgsUsage: "TARGET TEXT",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			target, text := cmd.Args().Get(0), cmd.Args().Get(1)
			if target == "" || text == "" {
				return errtrace.Wrap(errors.New("missing target or text"))
			}
			c, err := newClient(ctx, cmd)
			if err != nil {
				return errtrace.Wrap(err)
			}
			defer c.close(ctx)

			body := ua.Description{ContentType: "text/plain;charset=utf-8", Body: []byte(text)}
			_, err = c.request(ctx, func(opts *ua.RequestOptions) error {
				return errtrace.Wrap(c.ua.SendMessage(ctx, target, body, opts))
			})
			return errtrace.Wrap(err)
		},
	}
}

// request sends an out-of-dialog request and waits for its final response.
func (c *client) request(ctx context.Context, send func(*ua.RequestOptions) error) (ua.RequestResult, error) {
	done := make(chan ua.RequestResult, 1)
	if err := send(&ua.RequestOptions{OnResult: func(r ua.RequestResult) { done <- r }}); err != nil {
		return ua.RequestResult{}, errtrace.Wrap(err)
	}
	select {
	case r := <-done:
		if r.Response != nil {
			fmt.Fprintf(c.out, "%d %s\n", r.Response.Status, r.Response.Reason)
		}
		if !r.Succeeded() {
			return r, errtrace.Wrap(fmt.Errorf("request failed: %s", r.Cause))
		}
		return r, nil
	case <-ctx.Done():
		return ua.RequestResult{}, errtrace.Wrap(ctx.Err())
	}
}
