// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service manages the two host services the proxy carries with it:
// the nrpe-exporter that turns NRPE checks into scrapeable metrics, and the
// vector aggregator that ships logs to Loki. Both run as systemd units
// controlled over dbus.
package service

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/canonical/cos-proxy/internal/nrpe"
	"github.com/canonical/cos-proxy/internal/render"
	"github.com/canonical/cos-proxy/internal/vector"
)

var logger = loggo.GetLogger("cosproxy.service")

// EtcSystemdDir is where unit files are installed.
const EtcSystemdDir = "/etc/systemd/system"

// Managed service names.
const (
	NRPEExporterName = "nrpe-exporter"
	VectorName       = "vector"
)

const nrpeExporterUnit = `
[Unit]
Description=Prometheus exporter for NRPE checks
After=network-online.target

[Service]
ExecStart=${binary} --web.listen-address=:${port}
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
`

const vectorUnit = `
[Unit]
Description=Vector observability data aggregator
After=network-online.target

[Service]
ExecStart=${binary} --config ${config}
Environment=VECTOR_DATA_DIR=${data_dir}
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
`

// DBusAPI is the subset of the systemd dbus connection the package uses.
type DBusAPI interface {
	Close()
	ListUnits() ([]dbus.UnitStatus, error)
	StartUnit(name string, mode string, ch chan<- string) (int, error)
	StopUnit(name string, mode string, ch chan<- string) (int, error)
	RestartUnit(name string, mode string, ch chan<- string) (int, error)
	LinkUnitFiles(files []string, runtime bool, force bool) ([]dbus.LinkUnitFileChange, error)
	EnableUnitFiles(files []string, runtime bool, force bool) (bool, []dbus.EnableUnitFileChange, error)
	DisableUnitFiles(files []string, runtime bool) ([]dbus.DisableUnitFileChange, error)
	Reload() error
}

// DBusAPIFactory opens a new dbus connection.
type DBusAPIFactory = func() (DBusAPI, error)

// NewDBusAPI connects to the running systemd instance.
var NewDBusAPI = func() (DBusAPI, error) {
	return dbus.New()
}

var newChan = func() chan string {
	return make(chan string, 1)
}

// FileSystemOps mediates the package's file writes so tests stay off the
// real /etc.
type FileSystemOps interface {
	WriteFile(name string, data []byte, perm os.FileMode) error
	Remove(name string) error
}

type fileSystemOps struct{}

func (fileSystemOps) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (fileSystemOps) Remove(name string) error {
	err := os.Remove(name)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Service is one managed systemd unit.
type Service struct {
	Name     string
	UnitName string
	DirName  string

	content []byte
	fileOps FileSystemOps
	newDBus DBusAPIFactory
}

// NewService builds a service around pre-rendered unit file content.
func NewService(name, content, dirName string, newDBus DBusAPIFactory, fileOps FileSystemOps) *Service {
	return &Service{
		Name:     name,
		UnitName: name + ".service",
		DirName:  dirName,
		content:  []byte(content),
		fileOps:  fileOps,
		newDBus:  newDBus,
	}
}

// NRPEExporterUnit renders the nrpe-exporter unit file for the given
// binary.
func NRPEExporterUnit(binary string) (string, error) {
	return render.Render(nrpeExporterUnit, map[string]string{
		"binary": binary,
		"port":   strconv.Itoa(nrpe.ExporterPort),
	})
}

// VectorUnit renders the vector aggregator unit file for the given binary
// and data directory. The config path is fixed; the reconciler rewrites
// the file there and restarts the unit.
func VectorUnit(binary, dataDir string) (string, error) {
	return render.Render(vectorUnit, map[string]string{
		"binary":   binary,
		"config":   vector.ConfigPath,
		"data_dir": dataDir,
	})
}

// NRPEExporter returns the nrpe-exporter service for the given binary.
func NRPEExporter(binary string) (*Service, error) {
	content, err := NRPEExporterUnit(binary)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewService(NRPEExporterName, content, EtcSystemdDir, NewDBusAPI, fileSystemOps{}), nil
}

// Vector returns the vector aggregator service for the given binary and
// data directory.
func Vector(binary, dataDir string) (*Service, error) {
	content, err := VectorUnit(binary, dataDir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewService(VectorName, content, EtcSystemdDir, NewDBusAPI, fileSystemOps{}), nil
}

func (s *Service) path() string {
	return filepath.Join(s.DirName, s.UnitName)
}

func (s *Service) newConn() (DBusAPI, error) {
	conn, err := s.newDBus()
	if err != nil {
		logger.Errorf("failed to connect to dbus for service %q: %v", s.Name, err)
	}
	return conn, err
}

// Install writes the unit file and makes systemd link and enable it. It is
// idempotent; reinstalling an unchanged service is a no-op as far as
// systemd is concerned.
func (s *Service) Install() error {
	filename := s.path()
	if err := s.fileOps.WriteFile(filename, s.content, 0644); err != nil {
		return errors.Annotatef(err, "writing unit file %q", filename)
	}

	conn, err := s.newConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	const runtime, force = false, true
	if _, err := conn.LinkUnitFiles([]string{filename}, runtime, force); err != nil {
		return errors.Annotatef(err, "dbus link request failed for %q", s.Name)
	}
	if err := conn.Reload(); err != nil {
		return errors.Annotatef(err, "dbus post-link daemon reload failed for %q", s.Name)
	}
	if _, _, err := conn.EnableUnitFiles([]string{filename}, runtime, force); err != nil {
		return errors.Annotatef(err, "dbus enable request failed for %q", s.Name)
	}
	logger.Debugf("service %q installed", s.Name)
	return nil
}

// Running reports whether the unit is loaded and active.
func (s *Service) Running() (bool, error) {
	conn, err := s.newConn()
	if err != nil {
		return false, errors.Trace(err)
	}
	defer conn.Close()

	units, err := conn.ListUnits()
	if err != nil {
		return false, errors.Annotatef(err, "querying units for %q", s.Name)
	}
	for _, unit := range units {
		if unit.Name == s.UnitName {
			return unit.LoadState == "loaded" && unit.ActiveState == "active", nil
		}
	}
	return false, nil
}

// Start starts the unit if it is not already running.
func (s *Service) Start() error {
	running, err := s.Running()
	if err != nil {
		return errors.Trace(err)
	}
	if running {
		logger.Debugf("service %q already running", s.Name)
		return nil
	}

	conn, err := s.newConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	statusCh := newChan()
	if _, err := conn.StartUnit(s.UnitName, "fail", statusCh); err != nil {
		return errors.Annotatef(err, "dbus start request failed for %q", s.Name)
	}
	return errors.Trace(s.wait("start", statusCh))
}

// Restart restarts the unit, starting it if it was not running. Used after
// the reconciler rewrites a config file the service reads at startup.
func (s *Service) Restart() error {
	conn, err := s.newConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	statusCh := newChan()
	if _, err := conn.RestartUnit(s.UnitName, "fail", statusCh); err != nil {
		return errors.Annotatef(err, "dbus restart request failed for %q", s.Name)
	}
	return errors.Trace(s.wait("restart", statusCh))
}

// Remove stops and disables the unit and deletes its unit file.
func (s *Service) Remove() error {
	conn, err := s.newConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	running, err := s.Running()
	if err != nil {
		return errors.Trace(err)
	}
	if running {
		statusCh := newChan()
		if _, err := conn.StopUnit(s.UnitName, "fail", statusCh); err != nil {
			return errors.Annotatef(err, "dbus stop request failed for %q", s.Name)
		}
		if err := s.wait("stop", statusCh); err != nil {
			return errors.Trace(err)
		}
	}

	if _, err := conn.DisableUnitFiles([]string{s.UnitName}, false); err != nil {
		return errors.Annotatef(err, "dbus disable request failed for %q", s.Name)
	}
	if err := conn.Reload(); err != nil {
		return errors.Annotatef(err, "dbus post-disable daemon reload failed for %q", s.Name)
	}
	if err := s.fileOps.Remove(s.path()); err != nil {
		return errors.Annotatef(err, "removing unit file %q", s.path())
	}
	logger.Debugf("service %q removed", s.Name)
	return nil
}

func (s *Service) wait(op string, statusCh chan string) error {
	status := <-statusCh
	if status != "done" {
		return errors.Errorf("failed to %s service %q (dbus status %q)", op, s.Name, status)
	}
	return nil
}
