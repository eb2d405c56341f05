package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/rs/zerolog/log"
)

// UploadFile uploads a single file to the remote host via SFTP.
func (c *Client) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	if mode == 0 {
		if info, err := localFile.Stat(); err == nil {
			mode = uint32(info.Mode().Perm())
		}
	}
	return c.upload(ctx, localFile, remotePath, mode)
}

// UploadBytes writes data to a remote file via SFTP.
func (c *Client) UploadBytes(ctx context.Context, data []byte, remotePath string, mode uint32) error {
	return c.upload(ctx, bytes.NewReader(data), remotePath, mode)
}

func (c *Client) upload(ctx context.Context, src io.Reader, remotePath string, mode uint32) error {
	startTime := time.Now()

	sftpClient, err := c.getSFTP()
	if err != nil {
		return err
	}

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), Retryable: true}
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, src)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), Retryable: ctx.Err() == nil}
	}

	if mode > 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			log.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
		}
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("file uploaded")
	return nil
}

// ReadFile reads size bytes starting at offset. A negative size reads to the
// end of the file; reading past the end returns what is there.
func (c *Client) ReadFile(ctx context.Context, remotePath string, offset, size int64) ([]byte, error) {
	sftpClient, err := c.getSFTP()
	if err != nil {
		return nil, err
	}

	f, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, &TransportError{Op: "read", Err: err}
		}
	}

	var src io.Reader = f
	if size >= 0 {
		src = io.LimitReader(f, size)
	}
	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, src); err != nil {
		return nil, &TransportError{Op: "read", Err: err, Retryable: ctx.Err() == nil}
	}
	return buf.Bytes(), nil
}

// Stat returns information about a remote file.
func (c *Client) Stat(ctx context.Context, remotePath string) (fs.FileInfo, error) {
	sftpClient, err := c.getSFTP()
	if err != nil {
		return nil, err
	}
	info, err := sftpClient.Stat(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "stat", Err: err}
	}
	return info, nil
}

// MkdirAll creates a remote directory and any missing parents.
func (c *Client) MkdirAll(ctx context.Context, remotePath string) error {
	sftpClient, err := c.getSFTP()
	if err != nil {
		return err
	}
	if err := sftpClient.MkdirAll(remotePath); err != nil {
		return &TransportError{Op: "mkdir", Err: err}
	}
	return nil
}

// RemoveAll removes a remote path recursively. A missing path is not an error.
func (c *Client) RemoveAll(ctx context.Context, remotePath string) error {
	sftpClient, err := c.getSFTP()
	if err != nil {
		return err
	}
	if err := sftpClient.RemoveAll(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
