package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"bfxflow/config"
	"bfxflow/internal/symbols"
	"bfxflow/logger"
	"bfxflow/models"
	"bfxflow/reader/bitfinex"
)

// MessengerFactory opens a dedicated connection for one credential.
type MessengerFactory func() bitfinex.Messenger

// Supervisor owns one Harvester per credential. A failing credential never
// affects the others.
type Supervisor struct {
	mu         sync.Mutex
	harvesters map[string]*Harvester
	log        *logger.Log
}

func NewSupervisor(creds map[string]config.Credential, opts Options, newMessenger MessengerFactory,
	mapper *symbols.Mapper, handler models.Handler[models.ExecutionReport]) *Supervisor {
	s := &Supervisor{
		harvesters: make(map[string]*Harvester, len(creds)),
		log:        logger.GetLogger(),
	}
	for name, c := range creds {
		cred := Credential{Name: name, APIKey: c.APIKey, APISecret: c.APISecret}
		s.harvesters[name] = New(cred, opts, newMessenger(), mapper, handler)
	}
	return s
}

// Names lists the supervised credentials in sorted order.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.harvesters))
	for name := range s.harvesters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Supervisor) Harvester(name string) (*Harvester, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.harvesters[name]
	return h, ok
}

// StartAll starts every harvester. Start errors are collected and logged; the
// remaining harvesters are still started.
func (s *Supervisor) StartAll(ctx context.Context) error {
	var failed []string
	for _, name := range s.Names() {
		h, _ := s.Harvester(name)
		if err := h.Start(ctx); err != nil {
			s.log.WithComponent("execution_supervisor").WithFields(logger.Fields{"credential": name}).WithError(err).Warn("failed to start execution harvester")
			failed = append(failed, name)
		}
	}
	s.log.WithComponent("execution_supervisor").WithFields(logger.Fields{
		"credentials": len(s.harvesters),
		"failed":      len(failed),
	}).Info("execution harvesters started")
	if len(failed) > 0 {
		return fmt.Errorf("execution harvesters failed to start: %v", failed)
	}
	return nil
}

func (s *Supervisor) StopAll() {
	var wg sync.WaitGroup
	for _, name := range s.Names() {
		h, _ := s.Harvester(name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Stop()
		}()
	}
	wg.Wait()
}
