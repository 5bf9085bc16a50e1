// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"path/filepath"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/cos-proxy/core/model"
	"github.com/canonical/cos-proxy/internal/publish"
	"github.com/canonical/cos-proxy/internal/reconcile"
	"github.com/canonical/cos-proxy/internal/statefile"
	"github.com/canonical/cos-proxy/internal/vector"
)

type mainSuite struct{}

var _ = gc.Suite(&mainSuite{})

func (*mainSuite) TestParseArgsDefaults(c *gc.C) {
	opts, err := parseArgs(nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(opts.stateFile, gc.Equals, "/var/lib/cos-proxy/state.yaml")
	c.Check(opts.dataDir, gc.Equals, "/etc/vector")
	c.Check(opts.quietPeriod, gc.Equals, 3*time.Second)
	c.Check(opts.logConfig, gc.Equals, "<root>=INFO")
	c.Check(opts.manageServices, jc.IsFalse)
}

func (*mainSuite) TestParseArgsOverrides(c *gc.C) {
	opts, err := parseArgs([]string{
		"--state-file", "/tmp/state.yaml",
		"--data-dir", "/tmp/vector",
		"--quiet-period", "500ms",
		"--manage-services",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(opts.stateFile, gc.Equals, "/tmp/state.yaml")
	c.Check(opts.dataDir, gc.Equals, "/tmp/vector")
	c.Check(opts.quietPeriod, gc.Equals, 500*time.Millisecond)
	c.Check(opts.manageServices, jc.IsTrue)
}

func (*mainSuite) TestParseArgsUnknownFlag(c *gc.C) {
	_, err := parseArgs([]string{"--no-such-option"})
	c.Check(err, gc.NotNil)
}

func (s *mainSuite) TestApplyWritesArtifactsAndState(c *gc.C) {
	dir := c.MkDir()
	statePath := filepath.Join(dir, "state.yaml")
	m := &model.Model{
		Name:        "lma",
		UUID:        "89156c4d-71b4-4f5b-89b9-94b5a0a3d4e7",
		Application: "cos-proxy",
		Unit:        "cos-proxy/0",
		Config:      map[string]interface{}{},
		Relations: map[string][]model.Relation{
			model.PrometheusScrapeEndpoint: {{
				ID:       10,
				Endpoint: model.PrometheusScrapeEndpoint,
			}},
		},
	}
	c.Assert(statefile.Save(statePath, m), jc.ErrorIsNil)

	opts := options{stateFile: statePath, dataDir: filepath.Join(dir, "vector")}
	apply := applyFunc(opts)

	err := apply(reconcile.Result{
		Writes: []publish.Write{{
			Endpoint:   model.PrometheusScrapeEndpoint,
			RelationID: 10,
			Data:       map[string]string{"scrape_jobs": "[]"},
		}},
		VectorConfig: "sources: {}\n",
		EnrichmentRows: []vector.EnrichmentRow{{
			CompositeKey: "10.0.0.1_check_disk",
			Application:  "ubuntu",
			Unit:         "ubuntu/0",
			Command:      "check_disk",
			Address:      "10.0.0.1",
		}},
	})
	c.Assert(err, jc.ErrorIsNil)

	config, err := os.ReadFile(filepath.Join(dir, "vector", "aggregator", "vector.yaml"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(config), gc.Equals, "sources: {}\n")

	table, err := os.ReadFile(filepath.Join(dir, "vector", "nrpe_lookup.csv"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(table), gc.Equals,
		"composite_key,juju_application,juju_unit,command,ipaddr\n"+
			"10.0.0.1_check_disk,ubuntu,ubuntu/0,check_disk,10.0.0.1\n")

	reloaded, err := statefile.Load(statePath)
	c.Assert(err, jc.ErrorIsNil)
	rels := reloaded.On(model.PrometheusScrapeEndpoint)
	c.Assert(rels, gc.HasLen, 1)
	c.Check(rels[0].LocalData, jc.DeepEquals, map[string]string{"scrape_jobs": "[]"})
}

func (*mainSuite) TestWriteIfChanged(c *gc.C) {
	path := filepath.Join(c.MkDir(), "sub", "file.txt")

	changed, err := writeIfChanged(path, []byte("one"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(changed, jc.IsTrue)

	changed, err = writeIfChanged(path, []byte("one"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(changed, jc.IsFalse)

	changed, err = writeIfChanged(path, []byte("two"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(changed, jc.IsTrue)
}
