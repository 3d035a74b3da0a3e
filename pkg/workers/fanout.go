package workers

import (
	"context"
	"database/sql"

	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/monthclose"
	"github.com/meridianlabs/settled/pkg/store"
)

// fanOutDeliveries inserts one delivery row per (artifact, accepting
// destination) inside tx. Dedupe keys make re-runs no-ops; orderSeq advances
// across calls so a period's deliveries keep their emission order.
func fanOutDeliveries(ctx context.Context, s *store.Store, tx *sql.Tx, tenant, period string, artifacts []contracts.Artifact, destinations []contracts.Destination, orderSeq *int64) error {
	for _, a := range artifacts {
		for _, d := range destinations {
			if !d.Accepts(a.ArtifactType) {
				continue
			}
			priority := monthclose.PriorityFor(a.ArtifactType)
			if override, ok := d.Priorities[a.ArtifactType]; ok {
				priority = override
			}
			*orderSeq++
			_, _, err := s.InsertDelivery(ctx, tx, contracts.Delivery{
				TenantID:      tenant,
				DestinationID: d.ID,
				ArtifactType:  a.ArtifactType,
				ArtifactID:    a.ArtifactID,
				ArtifactHash:  a.ArtifactHash,
				DedupeKey:     contracts.DeliveryDedupeKey(tenant, d.ID, a.ArtifactType, a.ArtifactID, a.ArtifactHash),
				ScopeKey:      monthclose.ScopeKeyFor(a, period),
				OrderSeq:      *orderSeq,
				Priority:      priority,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
