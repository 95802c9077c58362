package adb

import (
	"fmt"
	"os"
	"os/exec"
)

// Process is the handle for a relay process started on a device.
// *exec.Cmd is adapted to it by StartRelay.
type Process interface {
	Kill() error
	Wait() error
}

// Client wraps ADB command execution
type Client struct {
	ADBPath string
}

// NewClient creates a new ADB client
func NewClient() *Client {
	return &Client{
		ADBPath: "adb", // Assumes ADB is in PATH
	}
}

// PushRelay pushes the relay server artifact to the device
func (c *Client) PushRelay(serial, localPath, remotePath string) error {
	cmd := exec.Command(c.ADBPath, "-s", serial, "push", localPath, remotePath)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("relay push failed: %w", err)
	}
	return nil
}

// EnableForward creates ADB port forwarding from a local TCP port to the
// device-side abstract socket.
// Example: adb -s <serial> forward tcp:27183 localabstract:fleetmirror_0000abcd
func (c *Client) EnableForward(serial string, localPort int, remoteSocket string) error {
	cmd := exec.Command(c.ADBPath, "-s", serial, "forward",
		fmt.Sprintf("tcp:%d", localPort),
		fmt.Sprintf("localabstract:%s", remoteSocket))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("adb forward failed: %w", err)
	}
	return nil
}

// DisableForward removes ADB port forwarding for the specified local port
func (c *Client) DisableForward(serial string, localPort int) error {
	cmd := exec.Command(c.ADBPath, "-s", serial, "forward", "--remove",
		fmt.Sprintf("tcp:%d", localPort))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("adb forward remove failed: %w", err)
	}
	return nil
}

// EnableReverse creates ADB reverse redirection: the device-side abstract
// socket dials back into the controller's local TCP port.
// Example: adb -s <serial> reverse localabstract:fleetmirror_0000abcd tcp:27183
func (c *Client) EnableReverse(serial, remoteSocket string, localPort int) error {
	cmd := exec.Command(c.ADBPath, "-s", serial, "reverse",
		fmt.Sprintf("localabstract:%s", remoteSocket),
		fmt.Sprintf("tcp:%d", localPort))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("adb reverse failed: %w", err)
	}
	return nil
}

// DisableReverse removes the reverse redirection for the abstract socket
func (c *Client) DisableReverse(serial, remoteSocket string) error {
	cmd := exec.Command(c.ADBPath, "-s", serial, "reverse", "--remove",
		fmt.Sprintf("localabstract:%s", remoteSocket))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("adb reverse remove failed: %w", err)
	}
	return nil
}

// StartRelay starts the relay server process on the device in the background.
// Returns the process handle for lifecycle control (caller must Kill+Wait).
func (c *Client) StartRelay(serial string, args []string) (Process, error) {
	// Build full command: adb -s <serial> shell <args...>
	fullArgs := []string{"-s", serial, "shell"}
	fullArgs = append(fullArgs, args...)

	cmd := exec.Command(c.ADBPath, fullArgs...)

	// Capture stderr for debugging
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start relay process: %w", err)
	}

	return &cmdProcess{cmd: cmd}, nil
}

// cmdProcess adapts *exec.Cmd to the Process interface
type cmdProcess struct {
	cmd *exec.Cmd
}

func (p *cmdProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *cmdProcess) Wait() error {
	return p.cmd.Wait()
}
