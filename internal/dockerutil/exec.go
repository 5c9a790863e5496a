package dockerutil

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types/container"
)

// ExecResult is the outcome of a one-shot exec inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec runs a command inside a running container to completion, demultiplexing
// stdout/stderr and waiting for the exit code. Used by the patch engine to
// drive the git CLI inside sandboxes.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string, workDir string) (*ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := c.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec for container %s: %w", containerID, err)
	}

	attached, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec for container %s: %w", containerID, err)
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	if err := demultiplexSplit(attached.Reader, &stdout, &stderr); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read exec output for container %s: %w", containerID, err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec for container %s: %w", containerID, err)
	}

	return &ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func demultiplexSplit(reader io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		streamType := header[0]
		size := int64(header[4])<<24 | int64(header[5])<<16 | int64(header[6])<<8 | int64(header[7])
		if size == 0 {
			continue
		}
		var target io.Writer = stdout
		if streamType == 2 {
			target = stderr
		}
		if _, err := io.CopyN(target, reader, size); err != nil {
			return err
		}
	}
}

// StreamExec runs a long-lived command inside a container, invoking onLine
// for every complete line read from stdout or stderr as it arrives (stream
// is "stdout" or "stderr"). Used by the Agent Execution Manager to tee the
// agent's output into a per-task log file while it runs.
func (c *Client) StreamExec(ctx context.Context, containerID string, cmd []string, workDir string, onLine func(stream, line string)) (*ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := c.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec for container %s: %w", containerID, err)
	}

	attached, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec for container %s: %w", containerID, err)
	}
	defer attached.Close()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	demuxErr := make(chan error, 1)
	go func() {
		err := demultiplexSplit(attached.Reader, stdoutW, stderrW)
		stdoutW.Close()
		stderrW.Close()
		demuxErr <- err
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(&wg, stdoutR, "stdout", onLine)
	go scanLines(&wg, stderrR, "stderr", onLine)
	wg.Wait()

	if err := <-demuxErr; err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to stream exec output for container %s: %w", containerID, err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec for container %s: %w", containerID, err)
	}
	return &ExecResult{ExitCode: inspect.ExitCode}, nil
}

func scanLines(wg *sync.WaitGroup, r io.Reader, stream string, onLine func(stream, line string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(stream, scanner.Text())
	}
}

// excludedDirs lists directory basenames never copied into a sandbox
// workspace: version-control metadata, dependency directories, build
// outputs, and common caches.
var excludedDirs = map[string]bool{
	".git":          true,
	".hg":           true,
	".svn":          true,
	"node_modules":  true,
	"vendor":        true,
	".venv":         true,
	"venv":          true,
	"__pycache__":   true,
	"dist":          true,
	"build":         true,
	"target":        true,
	".next":         true,
	".cache":        true,
	".terraform":    true,
}

// excludedFiles lists OS junk file basenames never copied.
var excludedFiles = map[string]bool{
	".DS_Store": true,
	"Thumbs.db": true,
}

// CopyToContainer tar-streams a host directory tree into a container path,
// skipping version-control metadata, dependency directories, build outputs,
// OS junk files, and common caches.
func (c *Client) CopyToContainer(ctx context.Context, containerID, srcDir, dstPath string) error {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	if err := tarDir(tw, srcDir); err != nil {
		return fmt.Errorf("failed to build workspace archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close workspace archive: %w", err)
	}
	if err := c.cli.CopyToContainer(ctx, containerID, dstPath, buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy workspace into container %s: %w", containerID, err)
	}
	return nil
}

func tarDir(tw *tar.Writer, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		base := filepath.Base(path)
		if info.IsDir() && excludedDirs[base] {
			return filepath.SkipDir
		}
		if !info.IsDir() && excludedFiles[base] {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}
