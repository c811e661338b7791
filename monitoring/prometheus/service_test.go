package prometheus

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/synapse-ng/synapse-ng/runtime"
	"github.com/synapse-ng/synapse-ng/testing/assert"
	"github.com/synapse-ng/synapse-ng/testing/require"
)

type okService struct{}

func (s *okService) Start()        {}
func (s *okService) Stop() error   { return nil }
func (s *okService) Status() error { return nil }

type sickService struct{}

func (s *sickService) Start()        {}
func (s *sickService) Stop() error   { return nil }
func (s *sickService) Status() error { return errors.New("out of sync") }

func TestHealthz_AllHealthy(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&okService{}))
	s := NewService(":0", registry)

	rec := httptest.NewRecorder()
	s.healthzHandler(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, true, strings.Contains(rec.Body.String(), "OK"))
}

func TestHealthz_UnhealthyService(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&okService{}))
	require.NoError(t, registry.RegisterService(&sickService{}))
	s := NewService(":0", registry)

	rec := httptest.NewRecorder()
	s.healthzHandler(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, 500, rec.Code)
	assert.Equal(t, true, strings.Contains(rec.Body.String(), "ERROR out of sync"))
}

func TestStatus_ReportsFailure(t *testing.T) {
	s := NewService(":0", runtime.NewServiceRegistry())
	require.NoError(t, s.Status())
	s.failStatus = errors.New("bind failed")
	assert.ErrorContains(t, "bind failed", s.Status())
}
