package punchagent

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PunchAgent/internal/config"
	"github.com/httprunner/PunchAgent/internal/device"
	"github.com/httprunner/PunchAgent/internal/metrics"
	"github.com/httprunner/PunchAgent/pkg/delivery"
	"github.com/httprunner/PunchAgent/pkg/journal"
)

// Connector opens a confirmed terminal session.
type Connector interface {
	Connect(ctx context.Context, target device.Target) (device.Session, device.Profile, error)
}

// Recorder persists cycle outcomes.
type Recorder interface {
	Record(ctx context.Context, entry journal.Entry) error
}

// ProbeFunc checks that the terminal port accepts connections.
type ProbeFunc func(ctx context.Context, address string, port int, timeout time.Duration) error

// Cycle runs one connect, extract, deliver pass.
type Cycle struct {
	Connector  Connector
	HTTPClient *http.Client
	// Journal is optional.
	Journal Recorder
	// Probe is diagnostic only; its failure never blocks the attempt.
	Probe ProbeFunc
}

// NewCycle returns a cycle wired to the built-in terminal driver.
func NewCycle() *Cycle {
	return &Cycle{
		Connector:  device.NewConnector(),
		HTTPClient: &http.Client{},
		Probe:      ProbeTCP,
	}
}

// ProbeTCP dials and closes the terminal port.
func ProbeTCP(ctx context.Context, address string, port int, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Run executes one cycle against cfg. Every failure, including a panic, is
// contained in the returned result.
func (c *Cycle) Run(ctx context.Context, cfg config.Config) (res CycleResult) {
	res = CycleResult{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Station:   cfg.StationName,
	}
	logger := log.With().Str("cycle_id", res.ID).Str("station", cfg.StationName).Logger()

	defer func() {
		if r := recover(); r != nil {
			res.fail(KindUnexpected, errors.Errorf("panic: %v", r))
			res.Delivered = 0
			logger.Error().Interface("panic", r).Msg("sync cycle panicked")
		}
		res.FinishedAt = time.Now()
		c.finish(ctx, res)
	}()

	if err := cfg.Validate(); err != nil {
		res.fail(KindConfiguration, err)
		return res
	}
	address := net.JoinHostPort(cfg.DeviceAddress, strconv.Itoa(cfg.DevicePort))
	logger = logger.With().Str("address", address).Logger()
	logger.Info().Msg("sync cycle started")

	if c.Probe != nil {
		if err := c.Probe(ctx, cfg.DeviceAddress, cfg.DevicePort, cfg.ConnectTimeout()); err != nil {
			logger.Warn().Err(err).Msg("terminal port not reachable, trying anyway")
		}
	}

	if c.Connector == nil {
		res.fail(KindConnection, errors.New("no connector configured"))
		return res
	}
	session, profile, err := c.Connector.Connect(ctx, device.Target{
		Address:  cfg.DeviceAddress,
		Port:     cfg.DevicePort,
		Timeout:  cfg.ConnectTimeout(),
		Password: cfg.DevicePassword,
	})
	if err != nil {
		res.fail(KindConnection, err)
		return res
	}
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ConnectTimeout())
		defer cancel()
		device.Release(teardownCtx, session)
	}()
	logger.Debug().Str("profile", profile.Name).Msg("session ready")

	extraction, err := Extractor{MinUserIDLength: cfg.MinUserIDLength}.Extract(ctx, session, cfg.StationName)
	if err != nil {
		res.fail(KindExtraction, err)
		return res
	}
	res.Extracted = len(extraction.Records)
	res.Discarded = extraction.Discarded
	if len(extraction.Records) == 0 {
		res.Success = true
		res.Message = "nothing to send"
		return res
	}

	outcome := delivery.New(delivery.Options{
		HTTPClient: c.HTTPClient,
		AuthScheme: cfg.AuthScheme,
		Timeout:    cfg.HTTPTimeout(),
	}).Deliver(ctx, extraction.Records, cfg.ServerURL, cfg.APIToken)
	res.StatusCode = outcome.StatusCode
	if !outcome.Success {
		res.fail(KindDelivery, outcome.Error())
		return res
	}
	res.Delivered = len(extraction.Records)
	res.Success = true
	return res
}

func (c *Cycle) finish(ctx context.Context, res CycleResult) {
	metrics.RecordCycle(string(res.ErrorKind), res.Duration(), res.Extracted, res.Discarded, res.Delivered)

	event := log.Info()
	if !res.Success {
		event = log.Error()
	}
	event.
		Str("cycle_id", res.ID).
		Str("station", res.Station).
		Bool("success", res.Success).
		Int("extracted", res.Extracted).
		Int("discarded", res.Discarded).
		Int("delivered", res.Delivered).
		Str("error_kind", string(res.ErrorKind)).
		Str("error", res.Error).
		Dur("duration", res.Duration()).
		Msg("sync cycle finished")

	if c.Journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.Journal.Record(jctx, res.journalEntry()); err != nil {
		log.Warn().Err(err).Str("cycle_id", res.ID).Msg("journal write failed")
	}
}
