// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package statefile reads and writes the relation-state document the proxy
// reconciles from. The charm hooks maintain the document; the daemon only
// ever writes the local-data sections, recording what it has published.
package statefile

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/canonical/cos-proxy/core/model"
	"github.com/canonical/cos-proxy/internal/publish"
)

type relationDoc struct {
	ID                int                          `yaml:"id"`
	Endpoint          string                       `yaml:"endpoint"`
	RemoteApplication string                       `yaml:"remote-application"`
	Units             map[string]map[string]string `yaml:"units,omitempty"`
	LocalData         map[string]string            `yaml:"local-data,omitempty"`
}

type document struct {
	ModelName   string                 `yaml:"model-name"`
	ModelUUID   string                 `yaml:"model-uuid"`
	Application string                 `yaml:"application"`
	Unit        string                 `yaml:"unit"`
	BindAddress string                 `yaml:"bind-address,omitempty"`
	Config      map[string]interface{} `yaml:"config,omitempty"`
	Relations   []relationDoc          `yaml:"relations,omitempty"`
}

// Load reads the document at path into a reconciliation context.
func Load(path string) (*model.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading state file")
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Annotatef(err, "parsing state file %q", path)
	}

	m := &model.Model{
		Name:        doc.ModelName,
		UUID:        doc.ModelUUID,
		Application: doc.Application,
		Unit:        doc.Unit,
		BindAddress: doc.BindAddress,
		Config:      doc.Config,
		Relations:   make(map[string][]model.Relation),
	}
	if m.Config == nil {
		m.Config = make(map[string]interface{})
	}
	for _, rel := range doc.Relations {
		m.Relations[rel.Endpoint] = append(m.Relations[rel.Endpoint], model.Relation{
			ID:                rel.ID,
			Endpoint:          rel.Endpoint,
			RemoteApplication: rel.RemoteApplication,
			Units:             rel.Units,
			LocalData:         rel.LocalData,
		})
	}
	if err := m.Validate(); err != nil {
		return nil, errors.Annotatef(err, "state file %q", path)
	}
	return m, nil
}

// Save writes the context back to path. The write goes through a temp file
// and a rename, so a reader never observes a half-written document.
func Save(path string, m *model.Model) error {
	doc := document{
		ModelName:   m.Name,
		ModelUUID:   m.UUID,
		Application: m.Application,
		Unit:        m.Unit,
		BindAddress: m.BindAddress,
		Config:      m.Config,
	}
	for _, rels := range m.Relations {
		for _, rel := range rels {
			doc.Relations = append(doc.Relations, relationDoc{
				ID:                rel.ID,
				Endpoint:          rel.Endpoint,
				RemoteApplication: rel.RemoteApplication,
				Units:             rel.Units,
				LocalData:         rel.LocalData,
			})
		}
	}
	sort.Slice(doc.Relations, func(i, j int) bool { return doc.Relations[i].ID < doc.Relations[j].ID })

	data, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Annotate(err, "serializing state file")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Annotate(err, "writing state file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Annotate(err, "replacing state file")
	}
	return nil
}

// ApplyWrites records published relation data in the document at path. Each
// write replaces the local-data of the relation it names; relations that
// have since disappeared are skipped.
func ApplyWrites(path string, writes []publish.Write) error {
	if len(writes) == 0 {
		return nil
	}
	m, err := Load(path)
	if err != nil {
		return errors.Trace(err)
	}
	for _, w := range writes {
		rels := m.Relations[w.Endpoint]
		for i := range rels {
			if rels[i].ID == w.RelationID {
				rels[i].LocalData = w.Data
				break
			}
		}
	}
	return errors.Trace(Save(path, m))
}

// WatchTarget returns the directory to watch and the cleaned file path to
// filter events on. The directory is watched rather than the file because
// Save replaces the file wholesale, which drops a watch held on the old
// inode.
func WatchTarget(path string) (dir string, file string) {
	clean := filepath.Clean(path)
	return filepath.Dir(clean), clean
}
