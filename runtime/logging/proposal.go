package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/synapse-ng/synapse-ng/state"
)

// ProposalFields extracts the set of fields shared by every proposal log
// line.
func ProposalFields(p *state.Proposal) logrus.Fields {
	return logrus.Fields{
		"proposalID": p.ID,
		"channel":    p.Channel,
		"type":       p.Type,
		"status":     p.Status,
	}
}
