// Package runtime provides the service lifecycle plumbing shared by every
// long-running component of a Synapse node.
package runtime

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "registry")

// Service is a long-running component with a uniform lifecycle. Services are
// registered once at node construction and driven by the registry.
type Service interface {
	// Start spawns any goroutines required by the service.
	Start()
	// Stop terminates all goroutines belonging to the service,
	// blocking until they are all terminated.
	Stop() error
	// Status returns an error when the service considers itself unhealthy.
	Status() error
}

// ServiceRegistry keeps one instance per concrete service type and remembers
// the order of registration, so startup and shutdown stay deterministic.
type ServiceRegistry struct {
	services map[reflect.Type]Service
	order    []reflect.Type
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[reflect.Type]Service),
	}
}

// RegisterService adds a service. Each concrete type may only appear once.
func (s *ServiceRegistry) RegisterService(service Service) error {
	kind := reflect.TypeOf(service)
	if _, exists := s.services[kind]; exists {
		return errors.Errorf("service already exists: %v", kind)
	}
	s.services[kind] = service
	s.order = append(s.order, kind)
	return nil
}

// StartAll launches every service in registration order.
func (s *ServiceRegistry) StartAll() {
	log.Debugf("Starting %d services: %v", len(s.order), s.order)
	for _, kind := range s.order {
		log.WithField("service", kind.String()).Debug("Starting service")
		go s.services[kind].Start()
	}
}

// StopAll ends every service in reverse order of registration.
func (s *ServiceRegistry) StopAll() {
	for i := len(s.order) - 1; i >= 0; i-- {
		kind := s.order[i]
		if err := s.services[kind].Stop(); err != nil {
			log.WithError(err).Errorf("Could not stop service %v", kind)
		}
	}
}

// Statuses calls Status on every registered service and collects the results.
func (s *ServiceRegistry) Statuses() map[reflect.Type]error {
	m := make(map[reflect.Type]error, len(s.order))
	for _, kind := range s.order {
		m[kind] = s.services[kind].Status()
	}
	return m
}

// FetchService sets the supplied pointer to the registered service of the
// same type, so components share the single registered instance.
func (s *ServiceRegistry) FetchService(service interface{}) error {
	if reflect.TypeOf(service).Kind() != reflect.Ptr {
		return errors.Errorf("input must be of pointer type, received value type instead: %T", service)
	}
	element := reflect.ValueOf(service).Elem()
	if registered, ok := s.services[element.Type()]; ok {
		element.Set(reflect.ValueOf(registered))
		return nil
	}
	return errors.Errorf("unknown service: %T", service)
}
