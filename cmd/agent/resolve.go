package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vesselops/vessel-agent/pkg/kube"
)

// resolvedResource is where one manifest would be created and patched
type resolvedResource struct {
	Source     string `json:"source" yaml:"source"`
	Kind       string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Namespace  string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Collection string `json:"collection,omitempty" yaml:"collection,omitempty"`
	Item       string `json:"item,omitempty" yaml:"item,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newResolveCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "resolve FILE...",
		Short: "Print the cluster API paths manifests would be applied to",
		Long: `Resolve reads YAML or JSON manifests (use - for stdin) and prints the
collection path each one is created at and the item path used for
server-side apply when the resource already exists.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := NewOutputter(output, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			var resources []resolvedResource
			for _, path := range args {
				data, err := readSource(path, cmd.InOrStdin())
				if err != nil {
					return err
				}
				resources = append(resources, resolveManifests(path, data)...)
			}

			if out.Format() != OutputTable {
				return out.Print(resources)
			}

			rows := make([][]string, 0, len(resources))
			for _, r := range resources {
				item := r.Item
				if r.Error != "" {
					item = "error: " + r.Error
				}
				rows = append(rows, []string{r.Source, r.Kind, r.Namespace, r.Name, r.Collection, item})
			}
			return out.PrintTable([]string{"SOURCE", "KIND", "NAMESPACE", "NAME", "COLLECTION", "ITEM"}, rows)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", string(OutputTable), "Output format (table, json, yaml)")
	return cmd
}

func readSource(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// resolveManifests addresses every document in data; per-document failures
// are reported in place
func resolveManifests(source string, data []byte) []resolvedResource {
	manifests, err := kube.DecodeManifests(map[string]any{"manifest": string(data)})
	if err != nil {
		return []resolvedResource{{Source: source, Error: err.Error()}}
	}

	out := make([]resolvedResource, 0, len(manifests))
	for _, m := range manifests {
		if m.Err != nil {
			out = append(out, resolvedResource{Source: source, Error: m.Err.Error()})
			continue
		}

		d, err := kube.Describe(m.Object)
		if err != nil {
			out = append(out, resolvedResource{Source: source, Error: err.Error()})
			continue
		}
		out = append(out, resolvedResource{
			Source:     source,
			Kind:       d.Kind,
			Namespace:  d.Namespace,
			Name:       d.Name,
			Collection: d.CollectionPath(),
			Item:       d.ItemPath(),
		})
	}
	return out
}
