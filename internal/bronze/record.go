// Package bronze wraps raw registry payloads with provenance and encodes
// them in the PostgreSQL text COPY format for bulk loading.
package bronze

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// Columns is the fixed column order of every Bronze table.
var Columns = []string{
	"_load_id",
	"_extracted_at_utc",
	"_loaded_at_utc",
	"_source_url",
	"_package_version",
	"_record_hash",
	"data",
}

// Delimiter separates fields in the encoded stream.
const Delimiter = '\t'

// TimeLayout is fixed width so that text ordering matches time ordering.
const TimeLayout = "2006-01-02 15:04:05.000000Z07:00"

// Record is one raw trial payload plus provenance. Data is kept verbatim.
type Record struct {
	LoadID         string
	ExtractedAtUTC time.Time
	LoadedAtUTC    time.Time
	SourceURL      string
	PackageVersion string
	RecordHash     string
	Data           json.RawMessage
}

// New builds a Record for data fetched from sourceURL at extractedAt, hashing
// the payload.
func New(loadID, sourceURL, version string, extractedAt time.Time, data json.RawMessage) Record {
	return Record{
		LoadID:         loadID,
		ExtractedAtUTC: extractedAt.UTC(),
		SourceURL:      sourceURL,
		PackageVersion: version,
		RecordHash:     Hash(data),
		Data:           data,
	}
}

// Hash returns the hex SHA-256 of a payload.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Validate rejects records that cannot be stored.
func (r Record) Validate() error {
	switch {
	case r.LoadID == "":
		return eris.New("bronze: record has no load id")
	case len(r.Data) == 0:
		return eris.Errorf("bronze: record from %s has no data", r.SourceURL)
	case !json.Valid(r.Data):
		return eris.Errorf("bronze: record from %s is not valid JSON", r.SourceURL)
	case r.ExtractedAtUTC.IsZero() || r.LoadedAtUTC.IsZero():
		return eris.Errorf("bronze: record from %s is missing timestamps", r.SourceURL)
	case r.LoadedAtUTC.Before(r.ExtractedAtUTC):
		return eris.Errorf("bronze: record from %s loaded before it was extracted", r.SourceURL)
	}
	return nil
}
