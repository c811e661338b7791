package commontool

import (
	"testing"
	"time"

	"github.com/synapse-ng/synapse-ng/state"
	"github.com/synapse-ng/synapse-ng/testing/assert"
	"github.com/synapse-ng/synapse-ng/testing/require"
)

func TestAccess(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := state.NewState()
	ch := state.EnsureChannel(st, "dev", t0)
	ch.Participants["member"] = t0
	ch.Tools["llm"] = &state.CommonTool{
		ID: "llm", Type: "llm_api", MonthlyCost: 50,
		EncryptedCredentials: "sealed-blob", Status: state.ToolActive,
		PaymentsMade: 1, AcquiredAt: t0, LastPaymentAt: t0, UpdatedAt: t0,
	}

	creds, err := Access(st, "dev", "member", "llm")
	require.NoError(t, err)
	assert.Equal(t, "sealed-blob", creds)

	_, err = Access(st, "dev", "outsider", "llm")
	require.ErrorContains(t, "not a member", err)

	ch.Tools["llm"].Status = state.ToolDeprecated
	_, err = Access(st, "dev", "member", "llm")
	require.ErrorContains(t, "deprecated", err)
}
