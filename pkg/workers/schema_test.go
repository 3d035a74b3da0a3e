package workers_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/monthclose"
	"github.com/meridianlabs/settled/pkg/projection"
	"github.com/meridianlabs/settled/pkg/workers"
)

func TestValidateArtifactBodyAcceptsCloseOutput(t *testing.T) {
	settledAt := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	res, err := monthclose.Compute(monthclose.Inputs{
		Tenant:      "default",
		Period:      "2026-02",
		StartAt:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		EndAt:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		GeneratedAt: time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC),
		Jobs: []projection.JobSnapshot{
			{JobID: "J1", Status: projection.JobStatusSettled, AmountCents: 5000,
				PayeePartyID: "P1", SettledAt: &settledAt},
		},
		AccountMap: map[string]string{
			monthclose.AccountSettlementExpense: "6000",
			monthclose.AccountPartyPayable:      "2100",
		},
		Gate: contracts.JournalCsvGateWarn,
	})
	require.NoError(t, err)
	for _, a := range res.Artifacts {
		assert.NoError(t, workers.ValidateArtifactBody(a.ArtifactType, a.Body), a.ArtifactID)
	}
}

func TestValidateArtifactBodyRejectsBadShape(t *testing.T) {
	err := workers.ValidateArtifactBody(contracts.ArtifactPayoutInstruction,
		[]byte(`{"period":"2026-02","partyId":"P1","amountCents":0,"artifactHash":"h"}`))
	require.Error(t, err)

	err = workers.ValidateArtifactBody(contracts.ArtifactMonthlyStatement,
		[]byte(`{"period":"2026-02"}`))
	require.Error(t, err)
}

func TestValidateArtifactBodyUnknownTypePasses(t *testing.T) {
	assert.NoError(t, workers.ValidateArtifactBody("SomethingElse.v9", []byte(`{"any":"shape"}`)))
}
