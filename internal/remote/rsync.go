package remote

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Rsync implements Transfer with the rsync binary, using OpenSSH as its
// remote shell so transfers follow the same frontal hop as commands.
type Rsync struct {
	// Command is the rsync binary, "rsync" when empty.
	Command string
	SSH     *OpenSSH
}

// Argv composes the rsync command line for req.
func (r *Rsync) Argv(req SyncRequest) []string {
	command := r.Command
	if command == "" {
		command = "rsync"
	}
	ssh := r.SSH
	if ssh == nil {
		ssh = &OpenSSH{}
	}

	dest := req.RemoteDir
	if !strings.HasSuffix(dest, "/") {
		dest += "/"
	}

	argv := []string{command, "-e", ssh.RsyncShell(req.Frontal, req.Timeout), "--inplace", "--progress"}
	src := req.LocalPath
	if req.IsDir {
		argv = append(argv, "--delete", "--copy-links", "--copy-dirlinks", "--recursive")
		if !strings.HasSuffix(src, "/") {
			src += "/"
		}
	} else {
		argv = append(argv, "--copy-links")
	}
	return append(argv, "-t", src, req.Target.SSHName()+":"+dest)
}

// Sync implements Transfer.
func (r *Rsync) Sync(ctx context.Context, req SyncRequest) error {
	argv := r.Argv(req)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rsync of %s to %s:%s failed: %w: %s", req.LocalPath, req.Target, req.RemoteDir, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
