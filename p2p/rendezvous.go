package p2p

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/synapse-ng/synapse-ng/async"
	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/crypto/identity"
	"github.com/synapse-ng/synapse-ng/encoding/canonical"
	"github.com/synapse-ng/synapse-ng/io/logs"
)

// Rendezvous wire types. The server is a dumb signed bulletin board: nodes
// register their multiaddrs and read everyone else's. It introduces peers
// and nothing more; all traffic flows over direct sessions.

// Registration is the signed introduction a node posts.
type Registration struct {
	NodeID    string    `json:"node_id"`
	Addrs     []string  `json:"addrs"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature,omitempty"`
}

// PeerList is the server's directory response.
type PeerList struct {
	Peers []*Registration `json:"peers"`
}

var errNoListenAddrs = errors.New("no listen addrs yet")

// SignRegistration signs the introduction with the node key so the server
// (and other peers) can verify the addrs belong to the claimed node.
func SignRegistration(id *identity.Identity, reg *Registration) error {
	reg.Signature = ""
	sig, err := id.Sign(reg)
	if err != nil {
		return err
	}
	reg.Signature = sig
	return nil
}

// VerifyRegistration checks an introduction's signature.
func VerifyRegistration(reg *Registration) error {
	sig := reg.Signature
	stripped := *reg
	stripped.Signature = ""
	return identity.Verify(reg.NodeID, &stripped, sig)
}

// bootstrapFromRendezvous registers with one rendezvous server and keeps
// dialing the peers it lists until the node context ends. Server URLs may
// carry basic-auth credentials, so log lines only ever see the masked form.
func (s *Service) bootstrapFromRendezvous(url string) {
	client := &http.Client{Timeout: params.SynapseConfig().RequestTimeout}
	masked := logs.MaskCredentialsLogging(url)
	announce := func() {
		if err := s.registerWith(client, url); err != nil {
			log.WithError(err).WithField("server", masked).Debug("Rendezvous registration failed")
		}
		if err := s.dialDirectory(client, url); err != nil {
			log.WithError(err).WithField("server", masked).Debug("Rendezvous directory fetch failed")
		}
	}
	announce()
	async.RunEvery(s.ctx, params.SynapseConfig().PeerInactivityTimeout/2, announce)
}

func (s *Service) registerWith(client *http.Client, url string) error {
	reg, err := s.selfRegistration()
	if err != nil {
		return err
	}
	body, err := canonical.Marshal(reg)
	if err != nil {
		return err
	}
	resp, err := client.Post(url+"/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close response body")
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("rendezvous server returned %d", resp.StatusCode)
	}
	return nil
}

func (s *Service) dialDirectory(client *http.Client, url string) error {
	resp, err := client.Get(url + "/peers")
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close response body")
		}
	}()
	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	list := &PeerList{}
	if err := canonical.Unmarshal(raw, list); err != nil {
		return errors.Wrap(err, "malformed directory")
	}
	for _, reg := range list.Peers {
		if !s.cacheIntroduction(reg) {
			continue
		}
		if s.status.IsConnected(reg.NodeID) {
			continue
		}
		s.dialIntroduction(reg)
	}
	return nil
}

func contextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
