// Package logging defines reusable log field extractors for domain objects
// that show up across service logs.
package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/synapse-ng/synapse-ng/crypto/identity"
	"github.com/synapse-ng/synapse-ng/state"
)

// TaskFields extracts a standard set of fields from a task into a
// logrus.Fields struct which can be passed to log.WithFields.
func TaskFields(t *state.Task) logrus.Fields {
	fields := logrus.Fields{
		"taskID":  t.ID,
		"channel": t.Channel,
		"status":  t.Status,
		"reward":  t.Reward,
	}
	if t.Assignee != "" {
		fields["assignee"] = identity.Short(t.Assignee)
	}
	return fields
}
