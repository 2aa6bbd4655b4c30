package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/MacJediWizard/keldris-recovery/internal/checksum"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// SFTPConfig configures an SSH server used as the remote.
type SFTPConfig struct {
	Host           string `koanf:"host" json:"host"`
	Port           int    `koanf:"port" json:"port,omitempty"`
	User           string `koanf:"user" json:"user"`
	Path           string `koanf:"path" json:"path"`
	Password       string `koanf:"password" json:"password,omitempty"`
	PrivateKey     string `koanf:"private_key" json:"private_key,omitempty"`
	HostKey        string `koanf:"host_key" json:"host_key,omitempty"`                 // Base64-encoded SSH public key
	KnownHostsFile string `koanf:"known_hosts_file" json:"known_hosts_file,omitempty"` // Path to known_hosts file
}

// Validate checks if the configuration is valid.
func (c SFTPConfig) Validate() error {
	if c.Host == "" {
		return errors.New("sftp provider: host is required")
	}
	if c.User == "" {
		return errors.New("sftp provider: user is required")
	}
	if c.Path == "" {
		return errors.New("sftp provider: path is required")
	}
	if !path.IsAbs(c.Path) {
		return errors.New("sftp provider: path must be absolute")
	}
	if c.Password == "" && c.PrivateKey == "" {
		return errors.New("sftp provider: password or private_key is required")
	}
	return nil
}

func (c SFTPConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// hostKeyCallback builds an ssh.HostKeyCallback from the configuration.
// Priority: HostKey field > KnownHostsFile > error.
func (c SFTPConfig) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.HostKey != "" {
		hostKeyBytes, err := base64.StdEncoding.DecodeString(c.HostKey)
		if err != nil {
			return nil, fmt.Errorf("sftp provider: failed to decode host key: %w", err)
		}
		expectedKey, err := ssh.ParsePublicKey(hostKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("sftp provider: failed to parse host key: %w", err)
		}
		return ssh.FixedHostKey(expectedKey), nil
	}

	if c.KnownHostsFile != "" {
		if _, err := os.Stat(c.KnownHostsFile); err != nil {
			return nil, fmt.Errorf("sftp provider: known_hosts file not found: %w", err)
		}
		callback, err := knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("sftp provider: failed to parse known_hosts: %w", err)
		}
		return callback, nil
	}

	return nil, errors.New("sftp provider: host key verification required; provide host_key or known_hosts_file")
}

func (c SFTPConfig) clientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod
	if c.Password != "" {
		authMethods = append(authMethods, ssh.Password(c.Password))
	}
	if c.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(c.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("sftp provider: failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}, nil
}

// SFTP stores artifacts on an SSH server. Transfers stream file contents
// over an exec session so the server needs a POSIX shell but no SFTP
// subsystem.
type SFTP struct {
	cfg    SFTPConfig
	ssh    *ssh.ClientConfig
	logger zerolog.Logger
}

// NewSFTP creates an SFTP provider. Credentials and host key settings are
// parsed up front; no connection is made.
func NewSFTP(cfg SFTPConfig, logger zerolog.Logger) (*SFTP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clientCfg, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}
	return &SFTP{
		cfg:    cfg,
		ssh:    clientCfg,
		logger: logger.With().Str("component", "offsite_sftp").Str("host", cfg.Host).Logger(),
	}, nil
}

// Kind implements Provider.
func (p *SFTP) Kind() models.OffsiteProvider { return models.OffsiteProviderSFTP }

func (p *SFTP) dial(ctx context.Context) (*ssh.Client, error) {
	addr := p.cfg.addr()
	d := net.Dialer{Timeout: p.ssh.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sftp provider: failed to connect to %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, p.ssh)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp provider: SSH handshake failed: %w", err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// run executes cmd in a new session, closing the client when ctx ends.
func (p *SFTP) run(ctx context.Context, cmd string, configure func(*ssh.Session) error) error {
	client, err := p.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("sftp provider: open session: %w", err)
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr
	if configure != nil {
		if err := configure(session); err != nil {
			return err
		}
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case <-ctx.Done():
		client.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("sftp provider: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil
	}
}

// Upload implements Provider.
func (p *SFTP) Upload(ctx context.Context, src, key string) (*UploadResult, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("sftp provider: open source: %w", err)
	}
	defer f.Close()

	remote := path.Join(p.cfg.Path, objectKey("", key))
	body := checksum.NewReader(f)
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(path.Dir(remote)), shellQuote(remote))
	if err := p.run(ctx, cmd, func(s *ssh.Session) error {
		s.Stdin = body
		return nil
	}); err != nil {
		return nil, fmt.Errorf("upload %s: %w", remote, err)
	}

	p.logger.Debug().Str("path", remote).Int64("size", body.Size()).Msg("uploaded artifact")
	return &UploadResult{
		Location: p.location(remote),
		Size:     body.Size(),
		Checksum: body.Sum(),
	}, nil
}

// Download implements Provider.
func (p *SFTP) Download(ctx context.Context, location, dest string) error {
	remote, err := p.remotePath(location)
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if err := p.run(ctx, "cat "+shellQuote(remote), func(s *ssh.Session) error {
		s.Stdout = out
		return nil
	}); err != nil {
		out.Close()
		return fmt.Errorf("download %s: %w", remote, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Delete implements Provider.
func (p *SFTP) Delete(ctx context.Context, location string) error {
	remote, err := p.remotePath(location)
	if err != nil {
		return err
	}
	if err := p.run(ctx, "rm -f "+shellQuote(remote), nil); err != nil {
		return fmt.Errorf("delete %s: %w", remote, err)
	}
	return nil
}

// Check implements Provider by connecting and testing the base path.
func (p *SFTP) Check(ctx context.Context) error {
	return p.run(ctx, "mkdir -p "+shellQuote(p.cfg.Path)+" && test -w "+shellQuote(p.cfg.Path), nil)
}

func (p *SFTP) location(remote string) string {
	return fmt.Sprintf("sftp://%s@%s%s", p.cfg.User, p.cfg.addr(), remote)
}

func (p *SFTP) remotePath(location string) (string, error) {
	prefix := fmt.Sprintf("sftp://%s@%s", p.cfg.User, p.cfg.addr())
	remote, ok := strings.CutPrefix(location, prefix)
	if !ok {
		return "", fmt.Errorf("sftp provider: location %q does not belong to %s", location, prefix)
	}
	remote = path.Clean(remote)
	base := path.Clean(p.cfg.Path)
	if !strings.HasPrefix(remote, base+"/") {
		return "", fmt.Errorf("sftp provider: location %q is outside %s", location, base)
	}
	return remote, nil
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// FetchHostKey connects to an SSH server and returns its host public key
// as a base64-encoded string, for pinning in HostKey.
func FetchHostKey(ctx context.Context, host string, port int) (string, error) {
	if host == "" {
		return "", errors.New("host is required")
	}
	if port <= 0 {
		port = 22
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var capturedKey ssh.PublicKey
	config := &ssh.ClientConfig{
		User: "probe",
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			capturedKey = key
			return errors.New("host key captured")
		},
		Timeout: 10 * time.Second,
	}

	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	// The handshake fails once the callback rejects the key.
	_, _, _, _ = ssh.NewClientConn(conn, addr, config)

	if capturedKey == nil {
		return "", fmt.Errorf("failed to retrieve host key from %s", addr)
	}
	return base64.StdEncoding.EncodeToString(capturedKey.Marshal()), nil
}
