// Package setup installs and removes the guarded daemon itself: fetching
// the vendor install script, detecting GPU hardware, and sweeping every
// known install location on uninstall.
package setup

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/vesaa/ollamaguard/internal/proc"
)

// installerURL is the official install script.
const installerURL = "https://ollama.com/install.sh"

// DetectGPU probes the vendor CLIs and reports "NVIDIA", "AMD" or "CPU".
func DetectGPU() string {
	if err := exec.Command("nvidia-smi").Run(); err == nil {
		return "NVIDIA"
	}
	if err := exec.Command("rocm-smi").Run(); err == nil {
		return "AMD"
	}
	return "CPU"
}

// Install downloads the install script and pipes it through sh. Installing
// over an existing binary is a no-op success.
func Install(name string, logger *log.Logger) error {
	if _, err := exec.LookPath(name); err == nil {
		logger.Printf("[setup] %s is already installed", name)
		return nil
	}

	logger.Printf("[setup] detected GPU: %s", DetectGPU())
	logger.Printf("[setup] downloading install script...")

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Get(installerURL)
	if err != nil {
		return fmt.Errorf("downloading install script: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading install script: server returned %d", resp.StatusCode)
	}

	script, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading install script: %w", err)
	}

	logger.Printf("[setup] running installer (this may ask for sudo)...")
	cmd := exec.Command("sh", "-s")
	cmd.Stdin = bytes.NewReader(script)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("installer failed: %w", err)
	}

	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("installer finished but %s is not on PATH", name)
	}
	logger.Printf("[setup] %s installed successfully", name)
	return nil
}

// Uninstall stops the daemon and removes every known binary, data, config,
// unit and log location. Permission failures are logged with an elevation
// hint and the sweep continues; the first such error is returned.
func Uninstall(name string, procs *proc.Manager, logger *log.Logger) error {
	logger.Printf("[setup] stopping %s service...", name)
	if out, err := exec.Command("systemctl", "stop", name).CombinedOutput(); err != nil {
		logger.Printf("[setup] systemctl stop %s: %v (%s)", name, err, string(out))
	}
	if out, err := exec.Command("systemctl", "disable", name).CombinedOutput(); err != nil {
		logger.Printf("[setup] systemctl disable %s: %v (%s)", name, err, string(out))
	}
	if err := procs.Stop(); err != nil {
		logger.Printf("[setup] %v", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	paths := []string{
		// Binaries
		filepath.Join("/usr/local/bin", name),
		filepath.Join("/usr/bin", name),
		filepath.Join(home, ".local", "bin", name),

		// Data
		filepath.Join(home, "."+name),
		filepath.Join("/var/lib", name),

		// Configuration
		filepath.Join("/etc", name),
		filepath.Join(home, ".config", name),

		// Service units
		filepath.Join("/etc/systemd/system", name+".service"),
		filepath.Join("/lib/systemd/system", name+".service"),

		// Logs
		filepath.Join("/var/log", name),
		filepath.Join(home, "."+name+"_logs"),
	}

	var firstErr error
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		logger.Printf("[setup] removing %s", path)
		if err := os.RemoveAll(path); err != nil {
			logger.Printf("[setup] removing %s: %v (re-run with sudo to finish)", path, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if out, err := exec.Command("systemctl", "daemon-reload").CombinedOutput(); err != nil {
		logger.Printf("[setup] systemctl daemon-reload: %v (%s)", err, string(out))
	}

	if firstErr != nil {
		return fmt.Errorf("uninstall incomplete: %w", firstErr)
	}
	logger.Printf("[setup] %s has been completely removed", name)
	return nil
}
