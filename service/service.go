// Package service assembles the acquisition engine from configuration: it
// builds the network dispatcher, the controller, one provider per variable
// and the synchronization groups, and optionally exposes a status HTTP
// server.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/varsync/config"
	"github.com/timzifer/varsync/data"
	"github.com/timzifer/varsync/drivers/remote"
	"github.com/timzifer/varsync/engine"
	"github.com/timzifer/varsync/network"
	"github.com/timzifer/varsync/provider"
	"github.com/timzifer/varsync/telemetry"
)

// Service owns the engine lifecycle for one configuration.
type Service struct {
	cfg        *config.Config
	logger     zerolog.Logger
	collector  telemetry.Collector
	dispatcher *network.Dispatcher
	controller *engine.Controller

	mu        sync.RWMutex
	variables map[string]uuid.UUID
	groups    map[string]uuid.UUID

	status *statusServer
}

// New builds a ready service from the configuration. Providers are
// instantiated through the driver registry, variables and groups are created
// and every configured initial range is submitted as a first acquisition.
func New(cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	collector, err := newCollector(cfg.Telemetry)
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry disabled")
		collector = telemetry.Noop()
	}

	dispatcherOpts := []network.Option{network.WithProgress(remote.RouteProgress)}
	if timeout := cfg.Engine.RequestTimeout.Duration; timeout > 0 {
		dispatcherOpts = append(dispatcherOpts, network.WithClient(&http.Client{Timeout: timeout}))
	}
	dispatcher := network.NewDispatcher(logger, dispatcherOpts...)
	dispatcher.Initialize()

	controllerOpts := []engine.Option{engine.WithCollector(collector)}
	if cfg.Engine.CacheTolerance != nil {
		controllerOpts = append(controllerOpts, engine.WithCacheTolerance(*cfg.Engine.CacheTolerance))
	}
	controller := engine.NewController(logger, controllerOpts...)

	s := &Service{
		cfg:        cfg,
		logger:     logger.With().Str("component", "service").Logger(),
		collector:  collector,
		dispatcher: dispatcher,
		controller: controller,
		variables:  make(map[string]uuid.UUID, len(cfg.Variables)),
		groups:     make(map[string]uuid.UUID, len(cfg.Groups)),
	}

	if err := s.buildVariables(); err != nil {
		s.teardown()
		return nil, err
	}
	if err := s.buildGroups(); err != nil {
		s.teardown()
		return nil, err
	}
	s.submitInitialRanges()
	return s, nil
}

// Validate checks the configuration beyond structural consistency: every
// referenced provider driver must be registered.
func Validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	known := make(map[string]struct{})
	for _, driver := range provider.RegisteredDrivers() {
		known[driver] = struct{}{}
	}
	for _, v := range cfg.Variables {
		if _, ok := known[v.Provider.Driver]; !ok {
			return fmt.Errorf("variable %s: provider driver %q not registered", v.ID, v.Provider.Driver)
		}
	}
	return nil
}

func (s *Service) buildVariables() error {
	deps := provider.Dependencies{
		Callbacks:  s.controller.Sink(),
		Logger:     s.logger,
		Dispatcher: s.dispatcher,
	}
	for _, vcfg := range s.cfg.Variables {
		prov, err := provider.New(vcfg.Provider.Driver, vcfg.Provider.Settings, deps)
		if err != nil {
			return fmt.Errorf("variable %s: %w", vcfg.ID, err)
		}
		name := vcfg.Name
		if name == "" {
			name = vcfg.ID
		}
		v, err := s.controller.CreateVariable(name, vcfg.Unit, prov)
		if err != nil {
			return fmt.Errorf("variable %s: %w", vcfg.ID, err)
		}
		s.variables[vcfg.ID] = v.ID()
	}
	return nil
}

func (s *Service) buildGroups() error {
	groups := s.controller.Synchronization()
	for _, gcfg := range s.cfg.Groups {
		groupID := uuid.New()
		if err := groups.CreateGroup(groupID); err != nil {
			return fmt.Errorf("group %s: %w", gcfg.ID, err)
		}
		s.groups[gcfg.ID] = groupID
		for _, member := range gcfg.Members {
			variableID, ok := s.variables[member]
			if !ok {
				return fmt.Errorf("group %s references unknown variable %q", gcfg.ID, member)
			}
			if err := groups.AddToGroup(variableID, groupID); err != nil {
				return fmt.Errorf("group %s: %w", gcfg.ID, err)
			}
		}
	}
	return nil
}

func (s *Service) submitInitialRanges() {
	for _, vcfg := range s.cfg.Variables {
		if vcfg.InitialRange == nil {
			continue
		}
		rng := data.Range{Start: vcfg.InitialRange.Start, End: vcfg.InitialRange.End}
		if err := s.ApplyRange(vcfg.ID, rng, true); err != nil {
			s.logger.Warn().Err(err).Str("variable", vcfg.ID).Msg("initial range submission failed")
		}
	}
}

// Run blocks until the context is done.
func (s *Service) Run(ctx context.Context) error {
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// Controller exposes the underlying engine.
func (s *Service) Controller() *engine.Controller { return s.controller }

// VariableID resolves a configured variable id to its engine identifier.
func (s *Service) VariableID(configID string) (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.variables[configID]
	return id, ok
}

// GroupID resolves a configured group id to its engine identifier.
func (s *Service) GroupID(configID string) (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.groups[configID]
	return id, ok
}

// ApplyRange moves a variable to a new visible range. The previous visible
// range is used for change classification, so repeated calls behave like
// interactive pans and shifts.
func (s *Service) ApplyRange(configID string, newRange data.Range, keepCache bool) error {
	variableID, ok := s.VariableID(configID)
	if !ok {
		return fmt.Errorf("variable %q: %w", configID, engine.ErrVariableNotFound)
	}
	v, err := s.controller.Variable(variableID)
	if err != nil {
		return err
	}
	return s.controller.ApplyRangeChange(variableID, newRange, v.Range(), keepCache)
}

// Abort cancels the outstanding acquisition of a variable.
func (s *Service) Abort(configID string) error {
	variableID, ok := s.VariableID(configID)
	if !ok {
		return fmt.Errorf("variable %q: %w", configID, engine.ErrVariableNotFound)
	}
	s.controller.Abort(variableID)
	return nil
}

// EnableStatus starts the optional status HTTP server.
func (s *Service) EnableStatus(listen string) error {
	if s.status != nil {
		return errors.New("status server already enabled")
	}
	if listen == "" {
		listen = ":18080"
	}
	logger := s.logger.With().Str("component", "status").Logger()
	server, err := newStatusServer(listen, s, logger)
	if err != nil {
		return err
	}
	s.status = server
	return nil
}

// StatusAddress returns the listen address of the status server, if enabled.
func (s *Service) StatusAddress() string {
	if s.status == nil {
		return ""
	}
	return s.status.addr()
}

// Close releases all background resources held by the service.
func (s *Service) Close() error {
	if s.status != nil {
		s.status.close()
	}
	s.teardown()
	return nil
}

func (s *Service) teardown() {
	s.dispatcher.Finalize()
	s.controller.Close()
}

func newCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	switch cfg.Provider {
	case "", "prometheus":
		return telemetry.NewPrometheusCollector(nil)
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}
