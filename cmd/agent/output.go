package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// OutputFormat represents the output format
type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// Outputter handles formatted output
type Outputter struct {
	format OutputFormat
	writer io.Writer
}

// NewOutputter creates a new outputter writing to w
func NewOutputter(format string, w io.Writer) (*Outputter, error) {
	switch f := OutputFormat(format); f {
	case OutputTable, OutputJSON, OutputYAML:
		return &Outputter{format: f, writer: w}, nil
	default:
		return nil, fmt.Errorf("unknown output format: %s", format)
	}
}

// Print outputs data as JSON or YAML
func (o *Outputter) Print(data any) error {
	switch o.format {
	case OutputJSON:
		return o.printJSON(data)
	case OutputYAML:
		return o.printYAML(data)
	default:
		return fmt.Errorf("%s format requires custom formatting", o.format)
	}
}

// PrintTable prints rows under headers
func (o *Outputter) PrintTable(headers []string, rows [][]string) error {
	table := tablewriter.NewWriter(o.writer)

	headerAny := make([]any, len(headers))
	for i, h := range headers {
		headerAny[i] = h
	}
	table.Header(headerAny...)

	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	return table.Render()
}

func (o *Outputter) printJSON(data any) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func (o *Outputter) printYAML(data any) error {
	encoder := yaml.NewEncoder(o.writer)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(data)
}

// Format returns the output format
func (o *Outputter) Format() OutputFormat {
	return o.format
}
