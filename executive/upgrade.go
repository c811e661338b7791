package executive

import (
	"io/ioutil"
	"net/http"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/synapse-ng/synapse-ng/io/file"
)

// UpgradeSandbox executes ratified code upgrades outside the dispatcher.
// Fetch retrieves the raw package; the dispatcher verifies it against the
// command's expected hash before Apply installs it. Apply returns the
// version now staged or running.
type UpgradeSandbox interface {
	Fetch(packageURL string) ([]byte, error)
	Apply(version string, artifact []byte) (string, error)
}

// StagingSandbox downloads upgrade packages over HTTP and stages the
// verified artifact under a directory for the operator's process manager to
// swap in. It never replaces the running binary itself.
type StagingSandbox struct {
	client *http.Client
	dir    string
}

// NewStagingSandbox returns a sandbox staging artifacts under dir.
func NewStagingSandbox(dir string) *StagingSandbox {
	return &StagingSandbox{
		client: &http.Client{Timeout: time.Minute},
		dir:    dir,
	}
}

// Fetch downloads the package body.
func (s *StagingSandbox) Fetch(packageURL string) ([]byte, error) {
	resp, err := s.client.Get(packageURL)
	if err != nil {
		return nil, errors.Wrap(err, "could not download upgrade package")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close response body")
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("upgrade download returned status %d", resp.StatusCode)
	}
	return ioutil.ReadAll(resp.Body)
}

// Apply writes the verified artifact to the staging directory.
func (s *StagingSandbox) Apply(version string, artifact []byte) (string, error) {
	if err := file.MkdirAll(s.dir); err != nil {
		return "", errors.Wrap(err, "could not create staging directory")
	}
	path := filepath.Join(s.dir, "synapse-"+version)
	if err := file.WriteFile(path, artifact); err != nil {
		return "", errors.Wrap(err, "could not stage upgrade artifact")
	}
	log.WithField("path", path).Info("Staged upgrade artifact")
	return version, nil
}
