// Package install registers the agent as a systemd service on a cluster
// node: it copies the binary, writes a starter config and a unit file, and
// enables the unit.
package install

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/config"
)

const serviceName = "gpfs-sge-metrics"

// unitTemplate is the systemd unit file written during installation.
// mmpmon only runs as root, so the unit has no User= line.
const unitTemplate = `[Unit]
Description=GPFS and Grid Engine metrics agent
After=network-online.target gpfs.service
Wants=network-online.target

[Service]
Type=simple
ExecStart={execPath} run --config {configPath}
Restart=always
RestartSec=10
StandardOutput=journal
StandardError=journal
SyslogIdentifier=gpfs-sge-metrics
NoNewPrivileges=true
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`

// Paths are the install locations.
type Paths struct {
	BinPath    string
	ConfigPath string
	UnitPath   string
}

// DefaultPaths returns the system-wide install locations.
func DefaultPaths() Paths {
	return Paths{
		BinPath:    "/usr/local/sbin/gpfs-sge-metrics",
		ConfigPath: "/etc/gpfs-sge-metrics/agent.yaml",
		UnitPath:   "/etc/systemd/system/gpfs-sge-metrics.service",
	}
}

// Installer performs the installation steps.
type Installer struct {
	Paths Paths

	// Out receives progress lines.
	Out io.Writer

	// systemctl runs a systemctl subcommand.
	systemctl func(args ...string) error
	// executable returns the path of the running binary.
	executable func() (string, error)
}

// New creates an Installer for the given paths.
func New(paths Paths, out io.Writer) *Installer {
	return &Installer{
		Paths:      paths,
		Out:        out,
		systemctl:  runSystemctl,
		executable: os.Executable,
	}
}

func runSystemctl(args ...string) error {
	if err := exec.Command("systemctl", args...).Run(); err != nil {
		return fmt.Errorf("running systemctl %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

// CheckElevation verifies the process has root privileges.
func CheckElevation() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("installation requires root privileges\n\nRun with sudo:\n  sudo %s install", os.Args[0])
	}
	return nil
}

// RenderUnit returns the unit file for the given paths.
func RenderUnit(p Paths) string {
	return strings.NewReplacer("{execPath}", p.BinPath, "{configPath}", p.ConfigPath).Replace(unitTemplate)
}

// Install copies the binary, writes cfg unless a config already exists,
// writes the unit file and enables and starts the service.
func (i *Installer) Install(cfg *config.Config) error {
	if err := i.copyBinary(); err != nil {
		return fmt.Errorf("copying binary: %w", err)
	}
	fmt.Fprintf(i.Out, "  ✓ Copied binary → %s\n", i.Paths.BinPath)

	if _, err := os.Stat(i.Paths.ConfigPath); err == nil {
		fmt.Fprintf(i.Out, "  ✓ Kept existing config %s\n", i.Paths.ConfigPath)
	} else {
		if err := config.WriteConfig(cfg, i.Paths.ConfigPath); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
		fmt.Fprintf(i.Out, "  ✓ Written config → %s\n", i.Paths.ConfigPath)
	}

	if err := os.WriteFile(i.Paths.UnitPath, []byte(RenderUnit(i.Paths)), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}

	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", serviceName},
		{"restart", serviceName},
	} {
		if err := i.systemctl(args...); err != nil {
			return err
		}
	}
	fmt.Fprintf(i.Out, "  ✓ Registered service (%s)\n", serviceName)
	return nil
}

// Uninstall stops, disables and removes the service. The binary and config
// are left in place.
func (i *Installer) Uninstall() error {
	// Best-effort; the unit may already be inactive.
	_ = i.systemctl("stop", serviceName)
	_ = i.systemctl("disable", serviceName)

	if err := os.Remove(i.Paths.UnitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit file: %w", err)
	}
	_ = i.systemctl("daemon-reload")
	fmt.Fprintf(i.Out, "  ✓ Removed service (%s)\n", serviceName)
	return nil
}

// copyBinary copies the running executable to BinPath.
func (i *Installer) copyBinary() error {
	src, err := i.executable()
	if err != nil {
		return err
	}
	src, err = filepath.Abs(filepath.Clean(src))
	if err != nil {
		return err
	}
	dst, err := filepath.Abs(filepath.Clean(i.Paths.BinPath))
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
