// Copyright 2018-2019 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package runtime wires the daemon's components together and drives its
// lifecycle: parse the section map config.Read produces, build the
// component graph, then hand the one HTTP listener this daemon owns to
// a grace.Watcher for PID-file and signal handling.
package runtime

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/opencloud-eu/x3d/cmd/x3d/grace"
	"github.com/opencloud-eu/x3d/pkg/account"
	"github.com/opencloud-eu/x3d/pkg/idpclient"
	"github.com/opencloud-eu/x3d/pkg/jwtauth"
	"github.com/opencloud-eu/x3d/pkg/kvstore"
	"github.com/opencloud-eu/x3d/pkg/logger"
	"github.com/opencloud-eu/x3d/pkg/sasl"
	"github.com/opencloud-eu/x3d/pkg/scram"
	"github.com/opencloud-eu/x3d/pkg/webhook"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// logConf is mapstructure-decoded from the "log" config section.
type logConf struct {
	Output string `mapstructure:"output"`
	Mode   string `mapstructure:"mode"`
	Level  string `mapstructure:"level"`
}

// kvstoreConf configures the embedded durability layer (spec §5.1).
type kvstoreConf struct {
	Path string `mapstructure:"path"`
}

// idpConf configures the IdP client and its HTTP executor (spec §4.2,
// §4.5).
type idpConf struct {
	BaseURL              string `mapstructure:"base_url"`
	Realm                string `mapstructure:"realm"`
	ClientID             string `mapstructure:"client_id"`
	ClientSecret         string `mapstructure:"client_secret"`
	PoolSize             int    `mapstructure:"pool_size"`
	RequestTimeoutMS     int    `mapstructure:"request_timeout_ms"`
	CircuitFailThreshold int    `mapstructure:"circuit_fail_threshold"`
	CircuitCoolDownMS    int    `mapstructure:"circuit_cool_down_ms"`
}

// webhookConf configures the IdP cache-invalidation receiver (spec §4.6).
type webhookConf struct {
	Network string `mapstructure:"network"`
	Address string `mapstructure:"address"`
	Secret  string `mapstructure:"secret"`
}

// jwtConf configures JWKS caching and RS256 audience checking (spec
// §4.7).
type jwtConf struct {
	Audience   string `mapstructure:"audience"`
	MaxIssuers int    `mapstructure:"max_issuers"`
	CacheTTLMS int    `mapstructure:"cache_ttl_ms"`
}

// saslConf tunes the orchestrator (spec §4, §6).
type saslConf struct {
	TimeoutMS           int `mapstructure:"timeout_ms"`
	MechanismIterations int `mapstructure:"mechanism_iterations"`
}

// Config is the daemon's full, mapstructure-decoded configuration, one
// field per top-level section config.Read returns.
type Config struct {
	Log     logConf     `mapstructure:"log"`
	KVStore kvstoreConf `mapstructure:"kvstore"`
	IdP     idpConf     `mapstructure:"idp"`
	Webhook webhookConf `mapstructure:"webhook"`
	JWT     jwtConf     `mapstructure:"jwt"`
	SASL    saslConf    `mapstructure:"sasl"`
}

// Decode mapstructure-decodes raw (config.Read's section map) into a
// Config, applying the same inline defaulting a hand-rolled
// parseConfOrDie pass would.
func Decode(raw map[string]interface{}) (*Config, error) {
	cfg := &Config{}
	if err := mapstructure.Decode(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "runtime: error decoding configuration")
	}
	if cfg.Log.Mode == "" {
		cfg.Log.Mode = "console"
	}
	if cfg.KVStore.Path == "" {
		cfg.KVStore.Path = "/var/lib/x3d/x3d.db"
	}
	if cfg.Webhook.Network == "" {
		cfg.Webhook.Network = "tcp"
	}
	return cfg, nil
}

// Components is the fully-wired dependency graph one running daemon
// holds; cmd/x3d's main only needs Watcher, HTTP server and listener to
// drive the lifecycle, but the rest is exposed for an external IRCd
// front-end (the line-protocol framer itself is out of this module's
// scope) to reach the SASL orchestrator and account stores directly.
type Components struct {
	Log          zerolog.Logger
	KV           *kvstore.Store
	IdP          *idpclient.Client
	Registry     *account.Registry
	Meta         *account.Meta
	AuthCache    *account.AuthCache
	Sessions     *account.Sessions
	Fingerprints *account.Fingerprints
	Activity     *account.ActivityTracker
	ScramStore   *scram.Store
	JWTVerifier  *jwtauth.Verifier
	SASL         *sasl.Orchestrator
	Webhook      *webhook.Server
}

// Build opens the KV store and constructs every component named in cfg,
// wiring idpclient.NewHTTPExecutor for every Kind the SASL mechanisms and
// webhook receiver need. Build does not start network listeners; callers
// use Run for that.
func Build(cfg *Config, log zerolog.Logger) (*Components, error) {
	kv, err := kvstore.Open(cfg.KVStore.Path)
	if err != nil {
		return nil, errors.Wrap(err, "runtime: error opening kvstore")
	}

	registry := account.NewRegistry(kv)
	meta := account.NewMeta(kv)
	authCache := account.NewAuthCache(kv)
	sessions := account.NewSessions(kv)
	fingerprints := account.NewFingerprints(kv)
	activity := account.NewActivityTracker(kv)
	scramStore := scram.NewStore(kv)

	executor := idpclient.NewHTTPExecutor(cfg.IdP.BaseURL, cfg.IdP.Realm, cfg.IdP.ClientID, cfg.IdP.ClientSecret)

	requestTimeout := time.Duration(cfg.IdP.RequestTimeoutMS) * time.Millisecond
	coolDown := time.Duration(cfg.IdP.CircuitCoolDownMS) * time.Millisecond
	idp, err := idpclient.New(idpclient.Config{
		PoolSize:             cfg.IdP.PoolSize,
		RequestTimeout:       requestTimeout,
		CircuitFailThreshold: cfg.IdP.CircuitFailThreshold,
		CircuitCoolDown:      coolDown,
		FetchClientToken: func(ctx context.Context) (idpclient.AdminToken, error) {
			out, err := executor.Execute(ctx, idpclient.Request{Kind: idpclient.KindClientToken})
			if err != nil {
				return idpclient.AdminToken{}, err
			}
			token, ok := out.(idpclient.AdminToken)
			if !ok {
				return idpclient.AdminToken{}, errors.New("runtime: unexpected ClientToken result type")
			}
			return token, nil
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "runtime: error creating idpclient")
	}
	for _, kind := range []idpclient.Kind{
		idpclient.KindClientToken,
		idpclient.KindUserToken,
		idpclient.KindIntrospect,
		idpclient.KindFingerprintLookup,
	} {
		idp.RegisterExecutor(kind, executor)
	}

	jwksFetcher := newHTTPJWKSFetcher(requestTimeout)
	maxIssuers := cfg.JWT.MaxIssuers
	if maxIssuers <= 0 {
		maxIssuers = 16
	}
	jwtTTL := time.Duration(cfg.JWT.CacheTTLMS) * time.Millisecond
	jwksCache := jwtauth.NewCache(kv, jwksFetcher, maxIssuers, jwtTTL)
	jwtVerifier := jwtauth.NewVerifier(jwksCache, cfg.JWT.Audience)

	orchestrator := sasl.NewOrchestrator(sasl.Config{
		IdP:                 idp,
		AuthCache:           authCache,
		Sessions:            sessions,
		Fingerprints:        fingerprints,
		Activity:            activity,
		ScramStore:          scramStore,
		JWT:                 jwtVerifier,
		Timeout:             time.Duration(cfg.SASL.TimeoutMS) * time.Millisecond,
		MechanismIterations: cfg.SASL.MechanismIterations,
	})

	webhookServer := webhook.New(webhook.Config{
		Secret:       cfg.Webhook.Secret,
		Registry:     registry,
		AuthCache:    authCache,
		Sessions:     sessions,
		Fingerprints: fingerprints,
		Meta:         meta,
		ScramStore:   scramStore,
	})

	return &Components{
		Log:          log,
		KV:           kv,
		IdP:          idp,
		Registry:     registry,
		Meta:         meta,
		AuthCache:    authCache,
		Sessions:     sessions,
		Fingerprints: fingerprints,
		Activity:     activity,
		ScramStore:   scramStore,
		JWTVerifier:  jwtVerifier,
		SASL:         orchestrator,
		Webhook:      webhookServer,
	}, nil
}

// Close releases every component holding a resource: the IdP client's
// completion goroutine, the AuthCache/Fingerprints L1 expiration
// goroutines, and the kvstore's memory-mapped file.
func (c *Components) Close() {
	c.IdP.Close()
	_ = c.AuthCache.Close()
	_ = c.Fingerprints.Close()
	_ = c.KV.Close()
}

// NewLogger builds the daemon's root logger from conf.
func NewLogger(conf logConf) zerolog.Logger {
	var opts []logger.Option
	if conf.Level != "" {
		opts = append(opts, logger.WithLevel(conf.Level))
	}
	w, mode := os.Stderr, logger.Mode(conf.Mode)
	if conf.Output == "stdout" {
		w = os.Stdout
	}
	opts = append(opts, logger.WithWriter(w, mode))
	l := logger.New(opts...)
	return l.With().Int("pid", os.Getpid()).Logger()
}

// Run builds the component graph, starts the webhook HTTP listener under
// a grace.Watcher (PID file + SIGHUP/SIGINT/SIGQUIT handling, graceful
// listener handoff on reload), and blocks until a terminal signal is
// handled.
func Run(cfg *Config, pidFile string) error {
	log := NewLogger(cfg.Log)

	comps, err := Build(cfg, log)
	if err != nil {
		return err
	}
	defer comps.Close()

	if pidFile == "" {
		id := uuid.New()
		pidFile = path.Join(os.TempDir(), "x3d-"+id.String()+".pid")
	}
	watcher := grace.NewWatcher(
		grace.WithPIDFile(pidFile),
		grace.WithLogger(log.With().Str("pkg", "grace").Logger()),
	)
	if err := watcher.WritePID(); err != nil {
		return errors.Wrap(err, "runtime: error writing pid file")
	}

	httpSrv := newHTTPServer(cfg.Webhook.Network, cfg.Webhook.Address, comps.Webhook)
	servers := []grace.Server{httpSrv}

	listeners, err := watcher.GetListeners(servers)
	if err != nil {
		watcher.Exit(1)
		return errors.Wrap(err, "runtime: error acquiring listeners")
	}

	go func() {
		if err := httpSrv.Start(listeners[0]); err != nil {
			log.Error().Err(err).Msg("webhook server stopped with error")
			watcher.Exit(1)
		}
	}()

	log.Info().Str("address", cfg.Webhook.Address).Msg("webhook listener started")
	watcher.TrapSignals()
	return nil
}
