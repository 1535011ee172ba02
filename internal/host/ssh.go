package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Target identifies a VPS reached over SSH.
type Target struct {
	Host     string
	Port     int
	User     string
	Password string
}

// SSHRunner executes deployment steps on a remote target. A single SSH
// connection is held for the whole run; sessions are per command.
type SSHRunner struct {
	target Target
	client *ssh.Client
}

// ConnectSSH dials the target with password auth and a bounded timeout.
func ConnectSSH(t Target) (*SSHRunner, error) {
	if t.Port == 0 {
		t.Port = 22
	}
	cfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{ssh.Password(t.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         20 * time.Second,
	}
	addr := net.JoinHostPort(t.Host, fmt.Sprintf("%d", t.Port))
	c, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh connect %s: %w", addr, err)
	}
	return &SSHRunner{target: t, client: c}, nil
}

func (r *SSHRunner) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *SSHRunner) Run(ctx context.Context, command string) (string, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out, err}
	}()
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case res := <-done:
		return string(res.out), res.err
	}
}

// WriteFile uploads to a temp path over sftp and moves it into place
// with install(1) so mode and atomic replacement both hold remotely.
func (r *SSHRunner) WriteFile(path string, content []byte, mode os.FileMode) error {
	sftpClient, err := sftp.NewClient(r.client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	tmp := fmt.Sprintf("/tmp/groundcontrol-upload-%d", time.Now().UnixNano())
	f, err := sftpClient.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	cmd := fmt.Sprintf("install -D -m %04o %s %s && rm -f %s", mode.Perm(), tmp, path, tmp)
	out, err := r.Run(context.Background(), cmd)
	if err != nil {
		return fmt.Errorf("install %s: %w\n%s", path, err, out)
	}
	return nil
}

func (r *SSHRunner) ReadFile(path string) ([]byte, error) {
	sftpClient, err := sftp.NewClient(r.client)
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	f, err := sftpClient.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (r *SSHRunner) Remove(path string) error {
	out, err := r.Run(context.Background(), "rm -f "+path)
	if err != nil {
		return fmt.Errorf("remove %s: %w\n%s", path, err, out)
	}
	return nil
}

func (r *SSHRunner) Describe() string {
	return fmt.Sprintf("%s@%s", r.target.User, r.target.Host)
}
