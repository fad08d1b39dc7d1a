package cmd

import (
	"strings"
)

// NameTemplate builds workbook names from a template
type NameTemplate struct {
	template string
	label    string
}

// NewNameTemplate creates a template bound to the archive label
func NewNameTemplate(template, label string) *NameTemplate {
	return &NameTemplate{template: template, label: label}
}

// Generate replaces placeholders in the template with actual values
// Supports: {label}, {partition}, {YYYY}, {table}
func (nt *NameTemplate) Generate(partition PartitionID, table string) string {
	return strings.NewReplacer(
		"{label}", nt.label,
		"{partition}", partition.String(),
		"{YYYY}", partition.String(),
		"{table}", table,
	).Replace(nt.template)
}
