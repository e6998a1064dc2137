// Package model defines the record shapes, the entity naming rules, and the
// filter DSL shared by the store and the HTTP layer.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Well-known entity tables referenced by name elsewhere in the codebase.
const (
	TablePipeline    = "pipeline"
	TableConnection  = "connection"
	TableActivityLog = "activity_log"
)

// EntityTables is the closed set of entity tables. Every public entity name
// must resolve to a member of this list before any SQL is built; it is also
// the source of truth for schema migrations and backup exports.
var EntityTables = []string{
	TablePipeline,
	TableConnection,
	"pipeline_run",
	TableActivityLog,
	"audit_log",
	"ingestion_job",
	"airflow_dag",
	"custom_function",
	"connection_profile",
	"connection_prerequisite",
	"pipeline_version",
	"data_catalog_entry",
	"dag_template",
}

var (
	// ErrUnknownEntity indicates an entity name outside the closed set.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrInvalidField indicates a field name that sanitizes to nothing.
	ErrInvalidField = errors.New("invalid field name")
)

var (
	acronymBoundary = regexp.MustCompile(`([A-Z]+)([A-Z][a-z])`)
	caseBoundary    = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	fieldStrip      = regexp.MustCompile(`[^a-zA-Z0-9_]`)
)

// TableForEntity maps a public camel-case entity name (e.g. "PipelineRun") to
// its internal table name ("pipeline_run") and verifies membership in
// EntityTables. This is the only path allowed to turn user input into a table
// identifier.
func TableForEntity(entityName string) (string, error) {
	table := acronymBoundary.ReplaceAllString(entityName, "${1}_${2}")
	table = caseBoundary.ReplaceAllString(table, "${1}_${2}")
	table = strings.ToLower(table)

	for _, t := range EntityTables {
		if t == table {
			return table, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownEntity, entityName)
}

// SanitizeField strips every character outside [A-Za-z0-9_] from a
// user-supplied document field name. Values are always bound as parameters,
// but field names end up interpolated into query text as JSON accessors, so
// anything that sanitizes to the empty string is rejected outright.
func SanitizeField(field string) (string, error) {
	sanitized := fieldStrip.ReplaceAllString(field, "")
	if sanitized == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	return sanitized, nil
}
