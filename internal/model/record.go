package model

import (
	"strconv"
	"time"
)

// Row is one stored entity row: the surrogate key, the JSON document, and the
// system bookkeeping columns.
type Row struct {
	ID          int64
	Data        map[string]any
	CreatedDate time.Time
	UpdatedDate time.Time
	CreatedBy   string
}

// RedactionMarker is the sentinel substituted for secret values on read.
// An update carrying this exact string for a secret field means "unchanged";
// see StripUpdate.
const RedactionMarker = "••••••••"

// connectionSecretFields are the top-level secret-bearing fields of a
// connection document.
var connectionSecretFields = []string{"password", "connection_string"}

// vaultSecretFields are the secret-bearing sub-fields of a connection's
// vault_config object.
var vaultSecretFields = []string{"vault_role_id", "vault_secret_id"}

// systemFields are assigned by the store and never writable by clients.
var systemFields = []string{"id", "created_date", "updated_date", "created_by"}

// FormatRecord shapes a stored row into the external record: id stringified,
// the document spread at top level, then the system columns. Connection
// records get their secrets masked; see redactSecrets.
func FormatRecord(row *Row, table string) map[string]any {
	record := make(map[string]any, len(row.Data)+len(systemFields))
	for k, v := range row.Data {
		record[k] = v
	}
	record["id"] = strconv.FormatInt(row.ID, 10)
	record["created_date"] = row.CreatedDate
	record["updated_date"] = row.UpdatedDate
	record["created_by"] = row.CreatedBy

	if table == TableConnection {
		redactSecrets(record)
	}
	return record
}

// redactSecrets replaces non-empty secret values with RedactionMarker. Empty
// or absent secrets stay as they are (a marker for an empty secret would be
// indistinguishable from a set one on the write path).
func redactSecrets(record map[string]any) {
	for _, f := range connectionSecretFields {
		if s, ok := record[f].(string); ok && s != "" {
			record[f] = RedactionMarker
		}
	}

	vc, ok := record["vault_config"].(map[string]any)
	if !ok {
		return
	}
	// The nested map may be shared with the stored row; mask a copy.
	masked := make(map[string]any, len(vc))
	for k, v := range vc {
		masked[k] = v
	}
	for _, f := range vaultSecretFields {
		if s, ok := masked[f].(string); ok && s != "" {
			masked[f] = RedactionMarker
		} else {
			masked[f] = ""
		}
	}
	record["vault_config"] = masked
}

// StripUpdate removes system fields from an incoming update document, and for
// connection records drops every secret field whose value is the redaction
// marker, so that a read-modify-write round trip never overwrites a stored
// secret with the literal marker.
func StripUpdate(data map[string]any, table string) {
	for _, f := range systemFields {
		delete(data, f)
	}
	if table != TableConnection {
		return
	}
	for _, f := range connectionSecretFields {
		if data[f] == RedactionMarker {
			delete(data, f)
		}
	}
	if vc, ok := data["vault_config"].(map[string]any); ok {
		for _, f := range vaultSecretFields {
			if vc[f] == RedactionMarker {
				delete(vc, f)
			}
		}
	}
}
