// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package vector

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"github.com/juju/errors"
)

var enrichmentFields = []string{"composite_key", "juju_application", "juju_unit", "command", "ipaddr"}

// EnrichmentRow is one line of the NRPE lookup table vector uses to enrich
// exporter journal lines with Juju topology.
type EnrichmentRow struct {
	CompositeKey string
	Application  string
	Unit         string
	Command      string
	Address      string
}

func (r EnrichmentRow) record() []string {
	return []string{r.CompositeKey, r.Application, r.Unit, r.Command, r.Address}
}

// identity is what makes a row current: (composite_key, juju_unit) uniquely
// identifies a target, so a row whose identity has no live counterpart is
// stale and dropped on merge.
func (r EnrichmentRow) identity() string {
	return r.CompositeKey + "\x00" + r.Unit
}

// MergeEnrichment folds the current rows into an existing lookup table:
// rows for targets that no longer exist are dropped, rows for new targets
// appended, surviving rows kept in place. The result always carries the
// header, even when there are no rows.
func MergeEnrichment(existing string, current []EnrichmentRow) (string, error) {
	live := make(map[string]bool, len(current))
	for _, row := range current {
		live[row.identity()] = true
	}

	var merged []EnrichmentRow
	present := make(map[string]bool)

	if strings.TrimSpace(existing) != "" {
		reader := csv.NewReader(strings.NewReader(existing))
		header, err := reader.Read()
		if err != nil {
			return "", errors.Annotate(err, "reading enrichment table header")
		}
		if len(header) != len(enrichmentFields) {
			return "", errors.NotValidf("enrichment table header %v", header)
		}
		for {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", errors.Annotate(err, "reading enrichment table")
			}
			row := EnrichmentRow{
				CompositeKey: record[0],
				Application:  record[1],
				Unit:         record[2],
				Command:      record[3],
				Address:      record[4],
			}
			if !live[row.identity()] || present[row.identity()] {
				continue
			}
			present[row.identity()] = true
			merged = append(merged, row)
		}
	}

	for _, row := range current {
		if present[row.identity()] {
			continue
		}
		present[row.identity()] = true
		merged = append(merged, row)
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(enrichmentFields); err != nil {
		return "", errors.Trace(err)
	}
	for _, row := range merged {
		if err := writer.Write(row.record()); err != nil {
			return "", errors.Trace(err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", errors.Trace(err)
	}
	return buf.String(), nil
}
