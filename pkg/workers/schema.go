package workers

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/meridianlabs/settled/pkg/contracts"
)

// Artifact body schemas by type. Validation is a pure gate in front of
// PutArtifact; unknown artifact types pass through unvalidated.
var artifactSchemaSources = map[string]string{
	contracts.ArtifactMonthlyStatement: `{
		"type": "object",
		"required": ["period", "generatedAt", "jobCount", "totalCents", "artifactHash"],
		"properties": {
			"period": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}$"},
			"generatedAt": {"type": "string"},
			"jobCount": {"type": "integer", "minimum": 0},
			"totalCents": {"type": "integer"},
			"jobs": {"type": "array"},
			"artifactHash": {"type": "string"}
		}
	}`,
	contracts.ArtifactPartyStatement: `{
		"type": "object",
		"required": ["period", "partyId", "totalCents", "artifactHash"],
		"properties": {
			"period": {"type": "string"},
			"partyId": {"type": "string", "minLength": 1},
			"totalCents": {"type": "integer"},
			"lines": {"type": "array"},
			"artifactHash": {"type": "string"}
		}
	}`,
	contracts.ArtifactPayoutInstruction: `{
		"type": "object",
		"required": ["period", "partyId", "amountCents", "artifactHash"],
		"properties": {
			"period": {"type": "string"},
			"partyId": {"type": "string", "minLength": 1},
			"amountCents": {"type": "integer", "minimum": 1},
			"artifactHash": {"type": "string"}
		}
	}`,
	contracts.ArtifactGLBatch: `{
		"type": "object",
		"required": ["period", "lines", "artifactHash"],
		"properties": {
			"period": {"type": "string"},
			"lines": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["accountId"],
					"properties": {
						"accountId": {"type": "string", "minLength": 1},
						"debitCents": {"type": "integer"},
						"creditCents": {"type": "integer"}
					}
				}
			},
			"artifactHash": {"type": "string"}
		}
	}`,
	contracts.ArtifactFinancePackPointer: `{
		"type": "object",
		"required": ["period", "bundleHash", "evidenceRef", "artifactHash"],
		"properties": {
			"period": {"type": "string"},
			"bundleHash": {"type": "string", "minLength": 1},
			"evidenceRef": {"type": "string", "pattern": "^obj://"},
			"artifactHash": {"type": "string"}
		}
	}`,
}

var artifactSchemas = func() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(artifactSchemaSources))
	for artifactType, src := range artifactSchemaSources {
		out[artifactType] = jsonschema.MustCompileString(artifactType+".json", src)
	}
	return out
}()

// ValidateArtifactBody checks body against the schema registered for
// artifactType. Types without a schema pass.
func ValidateArtifactBody(artifactType string, body []byte) error {
	schema := artifactSchemas[artifactType]
	if schema == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("artifact body not json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("artifact body schema: %w", err)
	}
	return nil
}
