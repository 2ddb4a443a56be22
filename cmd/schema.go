package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/griddle-ai/griddle/internal/envelope"
	"github.com/griddle-ai/griddle/internal/journal"
)

// schemaCMD prints the JSON Schemas compiled into the binary: the action
// envelope schema plus one schema per journal event type.
func schemaCMD() *cobra.Command {
	var eventType string
	var schema = &cobra.Command{
		Use:   "schema",
		Short: "Print embedded JSON Schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if eventType == "action" {
				fmt.Fprintln(out, envelope.SchemaJSON())
				return nil
			}
			if eventType != "" {
				for _, def := range journal.EventDefinitions() {
					if def.EventType == eventType {
						fmt.Fprintln(out, string(def.Schema))
						return nil
					}
				}
				return fmt.Errorf("no schema for event type %q", eventType)
			}

			doc := map[string]json.RawMessage{
				"action": json.RawMessage(envelope.SchemaJSON()),
			}
			for _, def := range journal.EventDefinitions() {
				doc[def.EventType+"@"+def.Version] = json.RawMessage(def.Schema)
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		},
	}
	schema.Flags().StringVar(&eventType, "event", "", "single schema to print (action or a journal event type)")

	return schema
}
