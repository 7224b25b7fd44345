package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"braces.dev/errtrace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/ghettovoice/sipua/log"
	"github.com/ghettovoice/sipua/metrics"
	"github.com/ghettovoice/sipua/transport/ws"
	"github.com/ghettovoice/sipua/ua"
)

const shutdownTimeout = 5 * time.Second

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "sipua",
		Usage: "SIP over WebSocket user agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration `FILE`",
				Sources: cli.EnvVars("SIPUA_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "uri",
				Usage:   "address of record, e.g. sip:alice@example.com",
				Sources: cli.EnvVars("SIPUA_URI"),
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "digest password",
				Sources: cli.EnvVars("SIPUA_PASSWORD"),
			},
			&cli.StringFlag{
				Name:    "ws-url",
				Usage:   "WebSocket server `URL`",
				Sources: cli.EnvVars("SIPUA_WS_URL"),
			},
			&cli.StringFlag{
				Name:    "name-server",
				Usage:   "resolve the WebSocket host on this DNS server",
				Sources: cli.EnvVars("SIPUA_NAME_SERVER"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "serve Prometheus metrics on `ADDR`",
				Sources: cli.EnvVars("SIPUA_METRICS_ADDR"),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log SIP traffic and state changes",
				Sources: cli.EnvVars("SIPUA_VERBOSE"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "verbose log format, console or dev",
				Value:   "console",
				Sources: cli.EnvVars("SIPUA_LOG_FORMAT"),
				Validator: func(v string) error {
					if v != "console" && v != "dev" {
						return fmt.Errorf("unknown log format %q", v)
					}
					return nil
				},
			},
		},
		Commands: []*cli.Command{
			registerCommand(),
			callCommand(),
			optionsCommand(),
			messageCommand(),
		},
	}
}

// fileConfig is the layout of the YAML file: user agent settings at the top
// level and the WebSocket transport under "transport".
type fileConfig struct {
	Transport ws.Config `yaml:"transport"`
}

func loadConfig(cmd *cli.Command) (*ua.Config, *ws.Config, error) {
	uaCfg, tpCfg := &ua.Config{}, &ws.Config{}
	if path := cmd.String("config"); path != "" {
		var err error
		if uaCfg, err = ua.LoadConfig(path); err != nil {
			return nil, nil, errtrace.Wrap(err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, errtrace.Wrap(err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, nil, errtrace.Wrap(err)
		}
		tpCfg = &fc.Transport
	}

	if v := cmd.String("uri"); v != "" {
		uaCfg.URI = v
	}
	if v := cmd.String("password"); v != "" {
		uaCfg.Password = v
	}
	if v := cmd.String("ws-url"); v != "" {
		tpCfg.URL = v
	}
	if v := cmd.String("name-server"); v != "" {
		tpCfg.NameServer = v
	}
	if tpCfg.URL == "" {
		return nil, nil, errtrace.Wrap(errors.New("WebSocket server URL is not set, use --ws-url or SIPUA_WS_URL"))
	}
	return uaCfg, tpCfg, nil
}

// client is a started user agent with everything it owns.
type client struct {
	ua      *ua.UserAgent
	log     *slog.Logger
	out     io.Writer
	metrics *http.Server
}

func newClient(ctx context.Context, cmd *cli.Command) (*client, error) {
	uaCfg, tpCfg, err := loadConfig(cmd)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	c := &client{out: cmd.Root().Writer, log: log.Noop}
	if cmd.Bool("verbose") {
		if cmd.String("log-format") == "dev" {
			c.log = log.NewDev(os.Stderr, slog.LevelDebug)
		} else {
			c.log = log.NewConsole(os.Stderr, slog.LevelDebug)
		}
	}
	uaCfg.Log = c.log
	tpCfg.Log = c.log
	uaCfg.MediaHandlerFactory = newStaticMedia

	if addr := cmd.String("metrics-addr"); addr != "" {
		reg := prometheus.NewRegistry()
		if uaCfg.Metrics, err = metrics.New(reg, "sipua"); err != nil {
			return nil, errtrace.Wrap(err)
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		c.metrics = &http.Server{
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := c.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.LogAttrs(ctx, slog.LevelError, "metrics server failed", slog.Any("error", err))
			}
		}()
	}

	tp, err := ws.New(*tpCfg)
	if err != nil {
		c.close(ctx)
		return nil, errtrace.Wrap(err)
	}
	uaCfg.Transport = tp
	if c.ua, err = ua.New(uaCfg); err != nil {
		c.close(ctx)
		return nil, errtrace.Wrap(err)
	}
	c.ua.OnEvent(c.printEvent)
	if err := c.ua.Start(ctx); err != nil {
		c.close(ctx)
		return nil, errtrace.Wrap(err)
	}
	return c, nil
}

func (c *client) printEvent(ev ua.Event) {
	switch ev.Type {
	case ua.EventNewMessage:
		fmt.Fprintf(c.out, "message from %s: %s\n", ev.Request.Header.Get("From"), ev.Request.Body)
	case ua.EventRegistrationFailed, ua.EventDisconnected:
		fmt.Fprintf(c.out, "%s: %s\n", ev.Type, describe(ev.Cause, ev.Err))
	default:
		fmt.Fprintln(c.out, ev.Type)
	}
}

// close stops the user agent. The stop runs on a fresh context so it can
// finish after the command context has been canceled by a signal.
func (c *client) close(context.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if c.ua != nil {
		if err := c.ua.Stop(ctx); err != nil {
			c.log.LogAttrs(ctx, slog.LevelWarn, "failed to stop user agent", slog.Any("error", err))
		}
	}
	if c.metrics != nil {
		c.metrics.Shutdown(ctx) //nolint:errcheck
	}
}

func describe(cause ua.Cause, err error) string {
	switch {
	case cause != "" && err != nil:
		return fmt.Sprintf("%s (%v)", cause, err)
	case err != nil:
		return err.Error()
	default:
		return string(cause)
	}
}
