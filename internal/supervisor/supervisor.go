// Package supervisor implements Supervisor: builds one SessionManager,
// WindowMonitor, Sender, and ServiceLoop per configured service, runs the
// crash-recovery sweep, and owns graceful shutdown ordering. See
// spec.md §4.8 and SPEC_FULL.md §4.11.
package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/flowcatalyst/risk-sms/internal/config"
	"github.com/flowcatalyst/risk-sms/internal/inbound"
	"github.com/flowcatalyst/risk-sms/internal/latency"
	"github.com/flowcatalyst/risk-sms/internal/lifecycle"
	"github.com/flowcatalyst/risk-sms/internal/sender"
	"github.com/flowcatalyst/risk-sms/internal/serviceloop"
	"github.com/flowcatalyst/risk-sms/internal/smppsession"
	"github.com/flowcatalyst/risk-sms/internal/store"
)

// windowInspectionInterval and windowInitialDelay pace WindowMonitor's
// periodic scan relative to the SMPP response timeout.
const (
	windowInspectionInterval = 5 * time.Second
	windowInitialDelay       = 5 * time.Second
)

// service bundles every component wired for one configured carrier.
type service struct {
	name     string
	manager  *smppsession.SessionManager
	monitor  *smppsession.WindowMonitor
	sndr     *sender.Sender
	loop     *serviceloop.ServiceLoop
	inboundH *inbound.Handler
}

// Supervisor owns one service bundle per entry in config.Config.SMS.
type Supervisor struct {
	store    store.MessageStore
	lifecyc  *lifecycle.Manager
	services []*service
}

// New constructs a Supervisor and every per-service component, but does
// not start polling or binding sessions -- call Run for that.
func New(cfg *config.Config, st store.MessageStore, lifecyc *lifecycle.Manager) *Supervisor {
	sup := &Supervisor{store: st, lifecyc: lifecyc}

	for _, svcCfg := range cfg.SMS {
		sup.services = append(sup.services, sup.buildService(svcCfg))
	}
	return sup
}

func (s *Supervisor) buildService(svcCfg config.ServiceConfig) *service {
	name := svcCfg.Nombre
	stats := latency.NewStats(name, 100)
	inboundH := inbound.NewHandler(name, s.store)

	dialCfg := smppsession.DialConfig{
		ServiceName: name,
		Addr:        fmtAddr(svcCfg.SMPP.Host, svcCfg.SMPP.Port),
		SystemID:    svcCfg.SMPP.SystemID,
		Password:    svcCfg.SMPP.Password,
		WindowSize:  uint(svcCfg.CantidadMaximaPorLote),
	}
	manager := smppsession.NewSessionManager(dialCfg, inboundH.Handle)

	monitor := smppsession.NewWindowMonitor(smppsession.WindowMonitorConfig{
		ServiceName:   name,
		MaxWindowSize: svcCfg.CantidadMaximaPorLote,
	}, manager.Current, stats)
	monitor.SetRebindCallback(func() {
		// Generous enough to cover RebindSettle (15s) plus every dial
		// attempt and backoff in the worst case (MaxRebindAttempts).
		ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()
		if err := manager.Rebind(ctx); err != nil {
			log.Error().Err(err).Str("service", name).Msg("Saturation-triggered rebind failed")
		}
	})

	sndr := sender.New(sender.Config{
		ServiceName: name,
		Mode:        svcCfg.ModoEnvioLote,
		Delay:       svcCfg.SendDelay(),
		MaxAttempts: svcCfg.MaximoIntentos,
	}, s.store, manager, stats)

	loop := serviceloop.New(serviceloop.Config{
		ServiceName:    name,
		Carrier:        svcCfg.Telefonia,
		Classification: svcCfg.Clasificacion,
		BatchLimit:     svcCfg.CantidadMaximaPorLote,
		PollInterval:   svcCfg.BatchInterval(),
	}, s.store, sndr)

	return &service{name: name, manager: manager, monitor: monitor, sndr: sndr, loop: loop, inboundH: inboundH}
}

func fmtAddr(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

// Run performs the crash-recovery sweep, binds every service's session,
// starts its WindowMonitor and ServiceLoop, and registers shutdown hooks.
// Per spec.md §6/§7, an initial bind failure is fatal to startup: Run
// returns an error immediately and registers no hooks for the failing (or
// any later) service, since a service that never completes its first bind
// cannot self-heal -- WindowMonitor only triggers a rebind from in-flight
// window saturation, which never forms without a bound session to carry
// traffic.
func (s *Supervisor) Run(ctx context.Context) error {
	reset := s.store.ResetStuckInProgress(ctx)
	if reset > 0 {
		log.Info().Int64("count", reset).Msg("Crash-recovery sweep reset stuck IN_PROGRESS messages to PENDING_SEND")
	}

	for _, svc := range s.services {
		svc := svc
		if err := svc.manager.Bind(ctx); err != nil {
			return fmt.Errorf("supervisor: initial bind failed for service %q: %w", svc.name, err)
		}
		svc.monitor.Start(windowInitialDelay, windowInspectionInterval)
		if err := svc.loop.Start(); err != nil {
			log.Error().Err(err).Str("service", svc.name).Msg("Failed to start ServiceLoop")
		}

		s.lifecyc.RegisterServiceLoopShutdown(svc.name, func(ctx context.Context) error {
			return svc.loop.Stop()
		})
		s.lifecyc.RegisterSenderShutdown(svc.name, func(ctx context.Context) error {
			svc.sndr.Shutdown(5 * time.Second)
			return nil
		})
		s.lifecyc.RegisterSessionShutdown(svc.name, func(ctx context.Context) error {
			svc.monitor.Stop()
			svc.manager.Shutdown(5 * time.Second)
			return nil
		})

		log.Info().Str("service", svc.name).Msg("Service started")
	}

	s.lifecyc.RegisterDatabaseShutdown("message-store", func(ctx context.Context) error {
		s.store.Close()
		return nil
	})
	return nil
}
