package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/conclave-ai/conclave/pkg/config"
)

// SchemaCmd generates a JSON Schema for the node configuration, for
// editor completion and config tooling.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&config.Config{})

	schema.ID = "https://conclave.dev/schemas/config.json"
	schema.Title = "Conclave Node Configuration"
	schema.Description = "Configuration schema for a conclave A2A coordination node"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []interface{}{
		map[string]interface{}{
			"node": map[string]interface{}{
				"name": "fx-node",
			},
			"workers": map[string]interface{}{
				"currency": map[string]interface{}{
					"type": "currency",
					"skills": []interface{}{
						map[string]interface{}{
							"id":   "currency_exchange",
							"tags": []string{"currency", "exchange"},
						},
					},
				},
			},
			"checkpoint": map[string]interface{}{
				"backend": "memory",
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}

	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}

	return nil
}
