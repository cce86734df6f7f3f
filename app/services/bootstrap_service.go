package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"fleet-svc/app/domains"

	"golang.org/x/crypto/ssh"
)

// ShellCredentials is the transport credential set for one bootstrap
// invocation. Held in memory for the call's duration only and never
// logged. A key file takes precedence over a password when both are
// given.
type ShellCredentials struct {
	Host     string
	Port     int
	User     string
	KeyPath  string
	Password string
}

func (c ShellCredentials) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", port))
}

// InstallResult is the outcome of one agent install attempt. Logs hold
// the full transcript including partial output on failure.
type InstallResult struct {
	Success bool
	Logs    []string
	Err     error
}

// BootstrapService drives the one-time remote-shell installation of
// the agent runtime onto a machine: CONNECT, TRANSFER, EXECUTE,
// VERIFY. There is no automatic retry; a failed install is re-run by
// an explicit operator action with the partial transcript preserved
// for diagnosis.
type BootstrapService struct {
	connectTimeout time.Duration
	commandTimeout time.Duration
	installTimeout time.Duration
	logger         *slog.Logger
}

// NewBootstrapService creates a new bootstrap service.
func NewBootstrapService(connectTimeout, commandTimeout, installTimeout time.Duration, logger *slog.Logger) *BootstrapService {
	return &BootstrapService{
		connectTimeout: connectTimeout,
		commandTimeout: commandTimeout,
		installTimeout: installTimeout,
		logger:         logger,
	}
}

// TestConnection opens a transport, runs a no-op remote command and
// closes. Pre-flight check only; independent of install.
func (s *BootstrapService) TestConnection(ctx context.Context, creds ShellCredentials) (bool, string) {
	client, err := s.dial(creds)
	if err != nil {
		return false, fmt.Sprintf("connect failed: %v", err)
	}
	defer client.Close()

	out, err := s.run(ctx, client, "echo fleet connection ok", s.commandTimeout)
	if err != nil {
		return false, fmt.Sprintf("remote command failed: %v", err)
	}
	if !strings.Contains(out, "fleet connection ok") {
		return false, "unexpected remote output"
	}
	return true, "connection ok"
}

// InstallAgent uploads and executes the idempotent agent install
// script over a single SSH connection, pointing the agent at
// controllerURL. Combined stdout/stderr is captured per phase. Any
// step failure aborts with the partial transcript kept.
func (s *BootstrapService) InstallAgent(ctx context.Context, creds ShellCredentials, controllerURL, registrationToken string) *InstallResult {
	logs := []string{fmt.Sprintf("connecting to %s@%s", creds.User, creds.addr())}

	client, err := s.dial(creds)
	if err != nil {
		logs = append(logs, fmt.Sprintf("connect failed: %v", err))
		return &InstallResult{Logs: logs, Err: &domains.RemoteExecutionError{Op: "connect", Logs: logs, Err: err}}
	}
	defer client.Close()
	logs = append(logs, "connection established")

	suffix := randomSuffix()
	remotePath := "/tmp/fleet-agent-install-" + suffix + ".sh"
	script := generateInstallScript(controllerURL, registrationToken)

	logs = append(logs, "uploading install script to "+remotePath)
	if err := s.upload(ctx, client, remotePath, script); err != nil {
		logs = append(logs, fmt.Sprintf("upload failed: %v", err))
		return &InstallResult{Logs: logs, Err: &domains.RemoteExecutionError{Op: "transfer", Logs: logs, Err: err}}
	}
	logs = append(logs, "install script uploaded")

	logs = append(logs, "executing install script (this can take several minutes)")
	out, err := s.run(ctx, client, "bash "+remotePath+" 2>&1", s.installTimeout)
	// The temp script is removed best-effort; the install outcome is
	// already decided at this point.
	_, _ = s.run(ctx, client, "rm -f "+remotePath, s.commandTimeout)

	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if strings.TrimSpace(line) != "" {
			logs = append(logs, "  "+line)
		}
	}
	if err != nil {
		logs = append(logs, fmt.Sprintf("install script failed: %v", err))
		return &InstallResult{Logs: logs, Err: &domains.RemoteExecutionError{Op: "execute", Logs: logs, Err: err}}
	}
	logs = append(logs, "install script finished")

	status, err := s.run(ctx, client, "systemctl is-active fleet-agent || echo inactive", s.commandTimeout)
	status = strings.TrimSpace(status)
	if err != nil || status != "active" {
		// The agent may still come up and register itself shortly; the
		// service state is recorded but not treated as fatal.
		logs = append(logs, "agent service state: "+status)
	} else {
		logs = append(logs, "agent service active")
	}

	s.logger.Info("agent install finished", "host", creds.Host, "service_state", status)
	return &InstallResult{Success: true, Logs: logs}
}

func (s *BootstrapService) dial(creds ShellCredentials) (*ssh.Client, error) {
	var auth []ssh.AuthMethod
	switch {
	case creds.KeyPath != "":
		keyBytes, err := os.ReadFile(creds.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	case creds.Password != "":
		auth = append(auth, ssh.Password(creds.Password))
	default:
		return nil, fmt.Errorf("shell credentials require a key path or a password")
	}

	cfg := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.connectTimeout,
	}
	return ssh.Dial("tcp", creds.addr(), cfg)
}

// run executes one remote command with a timeout and returns combined
// stdout/stderr.
func (s *BootstrapService) run(ctx context.Context, client *ssh.Client, cmd string, timeout time.Duration) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		session.Close()
		return "", ctx.Err()
	case <-timer.C:
		session.Close()
		return "", fmt.Errorf("remote command timed out after %s", timeout)
	case r := <-done:
		return string(r.out), r.err
	}
}

// upload writes content to a remote path through a shell session's
// stdin, avoiding any SCP/SFTP dependency on the target.
func (s *BootstrapService) upload(ctx context.Context, client *ssh.Client, remotePath, content string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	session.Stdin = bytes.NewBufferString(content)

	done := make(chan error, 1)
	go func() {
		done <- session.Run("cat > " + remotePath + " && chmod +x " + remotePath)
	}()

	timer := time.NewTimer(s.commandTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		session.Close()
		return ctx.Err()
	case <-timer.C:
		session.Close()
		return fmt.Errorf("upload timed out after %s", s.commandTimeout)
	case err := <-done:
		return err
	}
}

func randomSuffix() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// generateInstallScript renders the idempotent install script. The
// script provisions the agent runtime, writes its config pointing at
// the controller and starts it under systemd. Re-running it on a
// machine with a healthy agent is safe.
func generateInstallScript(controllerURL, registrationToken string) string {
	return fmt.Sprintf(`#!/bin/bash
set -e

AGENT_DIR=/opt/fleet-agent
AGENT_USER=fleet

echo "fleet agent install starting"

if [ "$EUID" -eq 0 ]; then
    SUDO=""
else
    if ! sudo -n true 2>/dev/null; then
        echo "ERROR: passwordless sudo or root is required" >&2
        exit 1
    fi
    SUDO="sudo -n"
fi

if ! id "$AGENT_USER" >/dev/null 2>&1; then
    $SUDO useradd --system --home "$AGENT_DIR" --shell /usr/sbin/nologin "$AGENT_USER"
fi

$SUDO mkdir -p "$AGENT_DIR"

$SUDO tee "$AGENT_DIR/agent.env" > /dev/null <<ENVEOF
CONTROLLER_URL=%s
REGISTRATION_TOKEN=%s
ENVEOF
$SUDO chmod 600 "$AGENT_DIR/agent.env"
$SUDO chown -R "$AGENT_USER":"$AGENT_USER" "$AGENT_DIR"

$SUDO tee /etc/systemd/system/fleet-agent.service > /dev/null <<UNITEOF
[Unit]
Description=Fleet agent
After=network-online.target

[Service]
User=$AGENT_USER
EnvironmentFile=$AGENT_DIR/agent.env
ExecStart=$AGENT_DIR/fleet-agent
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
UNITEOF

if [ ! -x "$AGENT_DIR/fleet-agent" ]; then
    echo "downloading agent binary"
    $SUDO curl -fsSL -o "$AGENT_DIR/fleet-agent" "%s/downloads/fleet-agent" || {
        echo "ERROR: failed to download agent binary" >&2
        exit 1
    }
    $SUDO chmod +x "$AGENT_DIR/fleet-agent"
fi

$SUDO systemctl daemon-reload
$SUDO systemctl enable fleet-agent
$SUDO systemctl restart fleet-agent

echo "fleet agent install finished"
`, controllerURL, registrationToken, controllerURL)
}
