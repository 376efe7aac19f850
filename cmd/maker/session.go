package main

import (
	"context"
	"database/sql"
	"fmt"

	"maker/pkg/agent"
	llmmetrics "maker/pkg/agent/middleware/metrics"
	"maker/pkg/answer"
	"maker/pkg/config"
	"maker/pkg/consensus"
	"maker/pkg/eventlog"
	"maker/pkg/logx"
	"maker/pkg/metrics"
	"maker/pkg/persistence"
)

// session holds everything one command invocation needs to sample the oracle.
type session struct {
	cfg     *config.Config
	factory *agent.ClientFactory
	loop    *consensus.Loop
	server  *metrics.Server
	events  *eventlog.Writer
	db      *sql.DB
	history *persistence.DatabaseOperations // nil when persistence is disabled
	logger  *logx.Logger
}

func newSession(ctx context.Context, cfg *config.Config) (*session, error) {
	s := &session{cfg: cfg, logger: logx.NewLogger("maker")}

	var llmRecorder llmmetrics.Recorder
	var runRecorder consensus.Recorder = consensus.NopRecorder{}
	if cfg.Metrics.Enabled {
		reg := metrics.NewRegistry()
		llmRecorder = llmmetrics.NewPrometheusRecorder(reg)
		runRecorder = metrics.NewConsensusRecorder(reg)

		server, err := metrics.StartServer(ctx, cfg.Metrics.ListenAddr, reg)
		if err != nil {
			return nil, err //nolint:wrapcheck // already wrapped with the address
		}
		s.server = server
	}
	if cfg.Logging.EventDir != "" {
		events, err := eventlog.NewWriter(cfg.Logging.EventDir)
		if err != nil {
			s.Close()
			return nil, logx.Wrap(err, "failed to open event log")
		}
		s.events = events
		runRecorder = consensus.Tee(runRecorder, events)
	}

	factory, err := agent.NewClientFactory(ctx, cfg, llmRecorder)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create client factory: %w", err)
	}
	s.factory = factory

	o, err := factory.CreateOracle()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create oracle: %w", err)
	}

	s.loop = consensus.New(o,
		consensus.WithExtractor(answer.NewClockExtractor(cfg.Consensus.Marker, cfg.Consensus.RequireMeridiem)),
		consensus.WithTemperature(float32(cfg.Consensus.Temperature)),
		consensus.WithBatchSize(cfg.Consensus.BatchSize),
		consensus.WithMaxConsecutiveParseFailures(cfg.Consensus.MaxConsecutiveParseFailures),
		consensus.WithRecorder(runRecorder),
	)

	if cfg.Persistence.Enabled {
		db, err := persistence.InitializeDatabase(cfg.Persistence.Path)
		if err != nil {
			s.Close()
			return nil, logx.Wrap(err, "failed to open run history")
		}
		s.db = db
		s.history = persistence.NewDatabaseOperations(db)
	}

	return s, nil
}

// Close releases everything newSession opened.
func (s *session) Close() {
	if s.events != nil {
		s.logger.Info("events written to %s", s.events.CurrentFile())
		if err := s.events.Close(); err != nil {
			s.logger.Warn("%v", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("failed to close run history: %v", err)
		}
	}
	if s.factory != nil {
		s.factory.Close()
	}
	if s.server != nil {
		if err := s.server.Shutdown(context.Background()); err != nil {
			s.logger.Warn("%v", err)
		}
	}
}
