package monitor

import (
	"fmt"

	"github.com/jamesprial/virt-mcp/internal/metrics"
	"github.com/jamesprial/virt-mcp/internal/vm"
	"github.com/sirupsen/logrus"
)

// StatusMonitor is the vm.Monitor of a single instance. It logs events,
// counts them in metrics and the state file, and persists state changes.
type StatusMonitor struct {
	name    string
	file    *StateFile
	metrics *metrics.Metrics
	log     logrus.FieldLogger
}

var (
	_ vm.Monitor       = (*StatusMonitor)(nil)
	_ vm.StateRecorder = (*StatusMonitor)(nil)
)

// New returns the monitor for the named instance. m may be nil.
func New(name string, file *StateFile, m *metrics.Metrics, log logrus.FieldLogger) *StatusMonitor {
	return &StatusMonitor{
		name:    name,
		file:    file,
		metrics: m,
		log:     log.WithField("instance", name),
	}
}

func (s *StatusMonitor) OnResume() {
	s.event("resume", func(r *Record) { r.Resumes++ })
}

func (s *StatusMonitor) OnSuspend() {
	s.event("suspend", func(r *Record) { r.Suspends++ })
}

func (s *StatusMonitor) OnShutdown() {
	s.event("shutdown", func(r *Record) { r.Shutdowns++ })
}

// PersistStateFor writes state to the state file and the state gauge.
func (s *StatusMonitor) PersistStateFor(name string, state vm.State) error {
	s.metrics.SetState(name, string(state), stateNames())
	if err := s.file.SetState(name, state); err != nil {
		return fmt.Errorf("persist state %s for %q: %w", state, name, err)
	}
	s.log.WithField("state", state).Debug("state persisted")
	return nil
}

// LastState returns the last state persisted for name.
func (s *StatusMonitor) LastState(name string) (vm.State, bool) {
	r, ok := s.file.Get(name)
	if !ok || r.State == "" {
		return "", false
	}
	return r.State, true
}

func (s *StatusMonitor) event(event string, count func(*Record)) {
	s.log.WithField("event", event).Info("lifecycle event")
	s.metrics.ObserveEvent(s.name, event)
	if err := s.file.update(s.name, count); err != nil {
		s.log.WithError(err).Warnf("recording %s event", event)
	}
}

func stateNames() []string {
	out := make([]string, len(vm.States))
	for i, st := range vm.States {
		out[i] = string(st)
	}
	return out
}
