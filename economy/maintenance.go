package economy

import (
	"sort"
	"time"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/state"
)

// SweepToolMaintenance charges each active common tool's monthly cost to its
// channel treasury. A tool whose treasury cannot cover the payment is
// deprecated rather than allowed to run a negative balance. Returns the IDs
// of tools that changed.
func SweepToolMaintenance(st *state.State, now time.Time, cfg *params.SynapseNetworkConfig) []string {
	var changed []string
	names := make([]string, 0, len(st.Channels))
	for name := range st.Channels {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ch := st.Channels[name]
		ids := make([]string, 0, len(ch.Tools))
		for id := range ch.Tools {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			tool := ch.Tools[id]
			if tool.Status != state.ToolActive {
				continue
			}
			if now.Sub(tool.LastPaymentAt) < cfg.MaintenanceCadence {
				continue
			}
			// Treasury is recomputed per payment so earlier payments in
			// this sweep count against later ones.
			if Treasury(st, name, cfg) < tool.MonthlyCost {
				tool.Status = state.ToolDeprecated
				tool.UpdatedAt = now
				log.WithField("toolID", id).WithField("channel", name).Warn("Treasury exhausted, deprecating common tool")
				changed = append(changed, id)
				continue
			}
			tool.PaymentsMade++
			tool.LastPaymentAt = now
			tool.UpdatedAt = now
			log.WithField("toolID", id).WithField("channel", name).WithField("costSP", tool.MonthlyCost).Info("Paid common tool maintenance")
			changed = append(changed, id)
		}
	}
	return changed
}
