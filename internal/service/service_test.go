// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service_test

import (
	"os"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/cos-proxy/internal/service"
)

type stubDBusAPI struct {
	stub *testing.Stub

	units  []dbus.UnitStatus
	status string
}

func (s *stubDBusAPI) addUnit(name, load, active string) {
	s.units = append(s.units, dbus.UnitStatus{
		Name:        name,
		LoadState:   load,
		ActiveState: active,
	})
}

func (s *stubDBusAPI) Close() {
	s.stub.AddCall("Close")
	s.stub.NextErr()
}

func (s *stubDBusAPI) ListUnits() ([]dbus.UnitStatus, error) {
	s.stub.AddCall("ListUnits")
	return s.units, s.stub.NextErr()
}

func (s *stubDBusAPI) report(ch chan<- string) {
	status := s.status
	if status == "" {
		status = "done"
	}
	ch <- status
}

func (s *stubDBusAPI) StartUnit(name, mode string, ch chan<- string) (int, error) {
	s.stub.AddCall("StartUnit", name, mode)
	s.report(ch)
	return 0, s.stub.NextErr()
}

func (s *stubDBusAPI) StopUnit(name, mode string, ch chan<- string) (int, error) {
	s.stub.AddCall("StopUnit", name, mode)
	s.report(ch)
	return 0, s.stub.NextErr()
}

func (s *stubDBusAPI) RestartUnit(name, mode string, ch chan<- string) (int, error) {
	s.stub.AddCall("RestartUnit", name, mode)
	s.report(ch)
	return 0, s.stub.NextErr()
}

func (s *stubDBusAPI) LinkUnitFiles(files []string, runtime, force bool) ([]dbus.LinkUnitFileChange, error) {
	s.stub.AddCall("LinkUnitFiles", files, runtime, force)
	return nil, s.stub.NextErr()
}

func (s *stubDBusAPI) EnableUnitFiles(files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error) {
	s.stub.AddCall("EnableUnitFiles", files, runtime, force)
	return true, nil, s.stub.NextErr()
}

func (s *stubDBusAPI) DisableUnitFiles(files []string, runtime bool) ([]dbus.DisableUnitFileChange, error) {
	s.stub.AddCall("DisableUnitFiles", files, runtime)
	return nil, s.stub.NextErr()
}

func (s *stubDBusAPI) Reload() error {
	s.stub.AddCall("Reload")
	return s.stub.NextErr()
}

type stubFileOps struct {
	stub *testing.Stub

	written map[string][]byte
}

func (f *stubFileOps) WriteFile(name string, data []byte, perm os.FileMode) error {
	f.stub.AddCall("WriteFile", name, perm)
	if f.written == nil {
		f.written = make(map[string][]byte)
	}
	f.written[name] = data
	return f.stub.NextErr()
}

func (f *stubFileOps) Remove(name string) error {
	f.stub.AddCall("Remove", name)
	return f.stub.NextErr()
}

type serviceSuite struct {
	stub    *testing.Stub
	conn    *stubDBusAPI
	fileOps *stubFileOps
}

var _ = gc.Suite(&serviceSuite{})

func (s *serviceSuite) SetUpTest(c *gc.C) {
	s.stub = &testing.Stub{}
	s.conn = &stubDBusAPI{stub: s.stub}
	s.fileOps = &stubFileOps{stub: s.stub}
}

func (s *serviceSuite) newService(content string) *service.Service {
	return service.NewService(
		"vector", content, "/etc/systemd/system",
		func() (service.DBusAPI, error) { return s.conn, nil },
		s.fileOps,
	)
}

func (s *serviceSuite) TestNRPEExporterUnit(c *gc.C) {
	content, err := service.NRPEExporterUnit("/usr/local/bin/nrpe-exporter")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(strings.Contains(content,
		"ExecStart=/usr/local/bin/nrpe-exporter --web.listen-address=:9275"), jc.IsTrue)
}

func (s *serviceSuite) TestVectorUnit(c *gc.C) {
	content, err := service.VectorUnit("/usr/local/bin/vector", "/var/lib/vector")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(strings.Contains(content,
		"ExecStart=/usr/local/bin/vector --config /etc/vector/aggregator/vector.yaml"), jc.IsTrue)
	c.Check(strings.Contains(content, "Environment=VECTOR_DATA_DIR=/var/lib/vector"), jc.IsTrue)
}

func (s *serviceSuite) TestInstall(c *gc.C) {
	svc := s.newService("unit file content")
	c.Assert(svc.Install(), jc.ErrorIsNil)

	s.stub.CheckCallNames(c, "WriteFile", "LinkUnitFiles", "Reload", "EnableUnitFiles", "Close")
	c.Check(string(s.fileOps.written["/etc/systemd/system/vector.service"]), gc.Equals, "unit file content")
	s.stub.CheckCall(c, 1, "LinkUnitFiles", []string{"/etc/systemd/system/vector.service"}, false, true)
}

func (s *serviceSuite) TestStartWhenStopped(c *gc.C) {
	s.conn.addUnit("vector.service", "loaded", "inactive")
	svc := s.newService("content")
	c.Assert(svc.Start(), jc.ErrorIsNil)

	s.stub.CheckCallNames(c, "ListUnits", "Close", "StartUnit", "Close")
	s.stub.CheckCall(c, 2, "StartUnit", "vector.service", "fail")
}

func (s *serviceSuite) TestStartWhenRunningIsNoop(c *gc.C) {
	s.conn.addUnit("vector.service", "loaded", "active")
	svc := s.newService("content")
	c.Assert(svc.Start(), jc.ErrorIsNil)

	s.stub.CheckCallNames(c, "ListUnits", "Close")
}

func (s *serviceSuite) TestRestart(c *gc.C) {
	svc := s.newService("content")
	c.Assert(svc.Restart(), jc.ErrorIsNil)

	s.stub.CheckCallNames(c, "RestartUnit", "Close")
	s.stub.CheckCall(c, 0, "RestartUnit", "vector.service", "fail")
}

func (s *serviceSuite) TestRestartFailureStatus(c *gc.C) {
	s.conn.status = "failed"
	svc := s.newService("content")
	err := svc.Restart()
	c.Check(err, gc.ErrorMatches, `failed to restart service "vector" \(dbus status "failed"\)`)
}

func (s *serviceSuite) TestRemoveRunningService(c *gc.C) {
	s.conn.addUnit("vector.service", "loaded", "active")
	svc := s.newService("content")
	c.Assert(svc.Remove(), jc.ErrorIsNil)

	s.stub.CheckCallNames(c,
		"ListUnits", "Close", "StopUnit", "DisableUnitFiles", "Reload", "Remove", "Close")
	s.stub.CheckCall(c, 5, "Remove", "/etc/systemd/system/vector.service")
}

func (s *serviceSuite) TestRemoveStoppedService(c *gc.C) {
	svc := s.newService("content")
	c.Assert(svc.Remove(), jc.ErrorIsNil)

	s.stub.CheckCallNames(c,
		"ListUnits", "Close", "DisableUnitFiles", "Reload", "Remove", "Close")
}

func (s *serviceSuite) TestRunning(c *gc.C) {
	s.conn.addUnit("vector.service", "loaded", "active")
	svc := s.newService("content")
	running, err := svc.Running()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(running, jc.IsTrue)
}

func (s *serviceSuite) TestRunningUnknownUnit(c *gc.C) {
	svc := s.newService("content")
	running, err := svc.Running()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(running, jc.IsFalse)
}
