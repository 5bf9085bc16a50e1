// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package publish writes synthesized payloads onto outbound relations. The
// published state of a relation is its current application databag, so a
// payload that matches it byte for byte produces no write at all; Juju
// relation writes are expensive and every spurious one wakes the far side.
package publish

import (
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/canonical/cos-proxy/core/model"
)

var logger = loggo.GetLogger("cosproxy.publish")

// Write is one pending relation-data write: the complete replacement
// databag for one relation. Payloads are swapped whole, never patched key
// by key.
type Write struct {
	Endpoint   string
	RelationID int
	Data       map[string]string
}

// Publish diffs the payload against each relation's current databag and
// returns one Write per relation whose content would change. Relations that
// do not exist produce nothing; a missing downstream integration is
// ordinary. The payload itself is not interpreted.
func Publish(relations []model.Relation, payload map[string]string) ([]Write, error) {
	if payload == nil {
		return nil, errors.NotValidf("nil payload")
	}
	var writes []Write
	for _, rel := range relations {
		if !differs(rel.LocalData, payload) {
			logger.Tracef("relation %d (%s) already up to date", rel.ID, rel.Endpoint)
			continue
		}
		data := make(map[string]string, len(payload))
		for k, v := range payload {
			data[k] = v
		}
		writes = append(writes, Write{
			Endpoint:   rel.Endpoint,
			RelationID: rel.ID,
			Data:       data,
		})
	}
	return writes, nil
}

// differs reports whether replacing current with desired would change
// anything. The comparison is exact: a key in current that desired no
// longer carries forces a write, since payloads are swapped whole.
func differs(current map[string]string, desired map[string]string) bool {
	if len(current) != len(desired) {
		return true
	}
	for k, v := range desired {
		if cur, ok := current[k]; !ok || cur != v {
			return true
		}
	}
	return false
}
