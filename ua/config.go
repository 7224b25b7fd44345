package ua

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"braces.dev/errtrace"
	"gopkg.in/yaml.v3"

	"github.com/ghettovoice/sipua/internal/grammar"
	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/internal/util"
	"github.com/ghettovoice/sipua/log"
	"github.com/ghettovoice/sipua/metrics"
	"github.com/ghettovoice/sipua/sip"
)

const (
	DefaultRegisterExpires = 600
	DefaultNoAnswerTimeout = 60 * time.Second
	DefaultUserAgent       = "sipua/0.1"

	minRegisterExpires = 10
)

// TimingsConfig overrides RFC 3261 timer base values.
type TimingsConfig struct {
	T1 time.Duration `yaml:"t1"`
	T2 time.Duration `yaml:"t2"`
	T4 time.Duration `yaml:"t4"`
	// Unreliable enables the wait timers D, I, J and K, which are zero for reliable transports.
	Unreliable bool `yaml:"unreliable"`
}

// Config is the user agent configuration.
// Only URI is mandatory, everything else has defaults.
type Config struct {
	// URI is the address of record, e.g. "sip:alice@example.com".
	URI         string `yaml:"uri"`
	DisplayName string `yaml:"display_name"`
	// AuthorizationUser defaults to the user part of URI.
	AuthorizationUser string `yaml:"authorization_user"`
	Password          string `yaml:"password"`
	// ContactURI defaults to a random user at a random ".invalid" host.
	ContactURI string `yaml:"contact_uri"`
	// ViaHost defaults to a random ".invalid" host.
	ViaHost   string `yaml:"via_host"`
	UserAgent string `yaml:"user_agent"`
	// OutboundProxy is added as a pre-loaded route to every initial request.
	OutboundProxy string `yaml:"outbound_proxy"`

	Register        bool   `yaml:"register"`
	RegistrarServer string `yaml:"registrar_server"`
	RegisterExpires int    `yaml:"register_expires"`

	NoAnswerTimeout time.Duration `yaml:"no_answer_timeout"`
	// Use100rel sends reliable provisional responses when the caller supports them.
	// They are always sent when the caller requires them.
	Use100rel bool `yaml:"use_100rel"`
	// FailOnForkedAnswer fails a session that is not confirmed yet when a forked
	// 2xx of another branch arrives. The losing branch is always ACKed and hung
	// up. Defaults to true.
	FailOnForkedAnswer *bool `yaml:"fail_on_forked_answer"`
	// AllowLegacyNotifications accepts out-of-dialog NOTIFY requests.
	AllowLegacyNotifications bool `yaml:"allow_legacy_notifications"`
	// AutoFollowRefer accepts every inbound REFER and calls the referred target.
	AutoFollowRefer bool `yaml:"auto_follow_refer"`

	Timings TimingsConfig `yaml:"timings"`

	Transport           sip.Transport       `yaml:"-"`
	Clock               timeutil.Clock      `yaml:"-"`
	Log                 *slog.Logger        `yaml:"-"`
	MediaHandlerFactory MediaHandlerFactory `yaml:"-"`
	CredentialsFactory  CredentialsFactory  `yaml:"-"`
	Metrics             *metrics.Collector  `yaml:"-"`
}

// CredentialsFactory returns credentials for the realm of a challenge.
// Returning nil makes the challenge pass through as a failure.
type CredentialsFactory func(realm string) sip.Credentials

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(ParseConfig(data))
}

// ParseConfig decodes a YAML config.
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errtrace.Wrap(&ConfigurationError{Param: "yaml", Value: len(data), Err: err})
	}
	return &c, nil
}

type config struct {
	Config

	uri           *sip.URI
	contact       *sip.URI
	registrar     *sip.URI
	outboundProxy *sip.URI
	timings       sip.TimingConfig
	failOnFork    bool
}

func (c *Config) normalize() (*config, error) {
	if c == nil {
		return nil, errtrace.Wrap(&ConfigurationError{Param: "config", Value: nil})
	}
	cfg := &config{Config: *c}

	if cfg.Transport == nil {
		return nil, errtrace.Wrap(&ConfigurationError{Param: "transport", Value: nil, Err: ErrTransportMissing})
	}

	var err error
	if cfg.uri, err = parseSIPURI(cfg.URI); err != nil {
		return nil, errtrace.Wrap(&ConfigurationError{Param: "uri", Value: cfg.URI, Err: err})
	}
	if cfg.uri.User == "" {
		return nil, errtrace.Wrap(&ConfigurationError{Param: "uri", Value: cfg.URI, Err: errors.New("missing user part")})
	}
	cfg.uri.Params = nil
	cfg.uri.Headers = nil

	if cfg.AuthorizationUser == "" {
		cfg.AuthorizationUser = cfg.uri.User
	}
	if cfg.ViaHost == "" {
		cfg.ViaHost = util.RandStringLC(12) + ".invalid"
	} else if !grammar.IsHost(cfg.ViaHost) && !grammar.IsHost("["+cfg.ViaHost+"]") {
		return nil, errtrace.Wrap(&ConfigurationError{Param: "via_host", Value: cfg.ViaHost, Err: sip.ErrInvalidArgument})
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	if cfg.ContactURI != "" {
		if cfg.contact, err = parseSIPURI(cfg.ContactURI); err != nil {
			return nil, errtrace.Wrap(&ConfigurationError{Param: "contact_uri", Value: cfg.ContactURI, Err: err})
		}
	} else {
		cfg.contact = &sip.URI{
			Scheme: "sip",
			User:   util.RandStringLC(8),
			Host:   util.RandStringLC(12) + ".invalid",
			Params: sip.Params{{Name: "transport", Value: strings.ToLower(cfg.Transport.Protocol())}},
		}
	}

	if cfg.RegistrarServer != "" {
		if cfg.registrar, err = parseSIPURI(cfg.RegistrarServer); err != nil {
			return nil, errtrace.Wrap(&ConfigurationError{Param: "registrar_server", Value: cfg.RegistrarServer, Err: err})
		}
	} else {
		cfg.registrar = &sip.URI{Scheme: cfg.uri.Scheme, Host: cfg.uri.Host, Port: cfg.uri.Port}
	}
	if cfg.OutboundProxy != "" {
		if cfg.outboundProxy, err = parseSIPURI(cfg.OutboundProxy); err != nil {
			return nil, errtrace.Wrap(&ConfigurationError{Param: "outbound_proxy", Value: cfg.OutboundProxy, Err: err})
		}
		if !cfg.outboundProxy.Params.Has("lr") {
			cfg.outboundProxy.Params.Set("lr", "")
		}
	}

	switch {
	case cfg.RegisterExpires == 0:
		cfg.RegisterExpires = DefaultRegisterExpires
	case cfg.RegisterExpires < minRegisterExpires:
		return nil, errtrace.Wrap(&ConfigurationError{Param: "register_expires", Value: cfg.RegisterExpires})
	}
	switch {
	case cfg.NoAnswerTimeout == 0:
		cfg.NoAnswerTimeout = DefaultNoAnswerTimeout
	case cfg.NoAnswerTimeout < 0:
		return nil, errtrace.Wrap(&ConfigurationError{Param: "no_answer_timeout", Value: cfg.NoAnswerTimeout})
	}
	if cfg.Timings.T1 < 0 || cfg.Timings.T2 < 0 || cfg.Timings.T4 < 0 {
		return nil, errtrace.Wrap(&ConfigurationError{Param: "timings", Value: cfg.Timings})
	}
	cfg.timings = sip.NewTimings(cfg.Timings.T1, cfg.Timings.T2, cfg.Timings.T4).WithUnreliable(cfg.Timings.Unreliable)

	cfg.failOnFork = cfg.FailOnForkedAnswer == nil || *cfg.FailOnForkedAnswer

	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock()
	}
	if cfg.Log == nil {
		cfg.Log = log.Default()
	}
	if cfg.CredentialsFactory == nil && cfg.Password != "" {
		user, pass := cfg.AuthorizationUser, cfg.Password
		cfg.CredentialsFactory = func(string) sip.Credentials {
			return &sip.DigestCredentials{Username: user, Password: pass}
		}
	}
	return cfg, nil
}

func parseSIPURI(s string) (*sip.URI, error) {
	s = strings.TrimSpace(s)
	if l := strings.ToLower(s); s != "" && !strings.HasPrefix(l, "sip:") && !strings.HasPrefix(l, "sips:") {
		s = "sip:" + s
	}
	u, err := sip.ParseURI(s)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !u.IsSIP() {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("not a SIP URI"))
	}
	return u, nil
}
