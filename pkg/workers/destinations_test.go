package workers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/workers"
)

const destinationsYAML = `
destinations:
  - id: erp
    artifactTypes: [GLBatch.v1, JournalCsv.v1]
    priorities:
      GLBatch.v1: 5
    ratePerSec: 2.5
    burst: 10
  - id: partner-portal
`

func TestParseDestinations(t *testing.T) {
	dests, err := workers.ParseDestinations([]byte(destinationsYAML))
	require.NoError(t, err)
	require.Len(t, dests, 2)

	erp := dests[0]
	assert.Equal(t, "erp", erp.ID)
	assert.True(t, erp.Accepts(contracts.ArtifactGLBatch))
	assert.False(t, erp.Accepts(contracts.ArtifactMonthlyStatement))
	assert.Equal(t, 5, erp.Priorities[contracts.ArtifactGLBatch])
	assert.Equal(t, 2.5, erp.RatePerSec)
	assert.Equal(t, 10, erp.Burst)

	// No artifactTypes filter accepts everything.
	assert.True(t, dests[1].Accepts(contracts.ArtifactMonthlyStatement))
}

func TestParseDestinationsRejectsDuplicates(t *testing.T) {
	_, err := workers.ParseDestinations([]byte(`
destinations:
  - id: erp
  - id: erp
`))
	require.ErrorContains(t, err, "duplicate id")

	_, err = workers.ParseDestinations([]byte(`
destinations:
  - artifactTypes: [GLBatch.v1]
`))
	require.ErrorContains(t, err, "empty id")
}
