package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
)

// Push uploads a local file to remotePath and verifies the copy by reading
// it back. It returns the sha256 of the content. A copy that does not match
// is removed.
func (s *Session) Push(ctx context.Context, localPath, remotePath string) (string, error) {
	sf, err := sftp.NewClient(s.client)
	if err != nil {
		return "", fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	stop := context.AfterFunc(ctx, func() { sf.Close() })
	defer stop()

	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return "", fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return "", fmt.Errorf("create remote: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(dst, io.TeeReader(src, h)); err != nil {
		dst.Close()
		return "", fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close remote: %w", err)
	}
	if st, err := src.Stat(); err == nil {
		_ = sf.Chmod(remotePath, st.Mode().Perm())
	}
	want := hex.EncodeToString(h.Sum(nil))

	got, err := remoteChecksum(sf, remotePath)
	if err != nil {
		return "", err
	}
	if got != want {
		_ = sf.Remove(remotePath)
		return "", fmt.Errorf("checksum mismatch for %s: expected %s, got %s", remotePath, want, got)
	}
	return want, nil
}

// Pull downloads remotePath to localPath and returns the sha256 of the
// content.
func (s *Session) Pull(ctx context.Context, remotePath, localPath string) (string, error) {
	sf, err := sftp.NewClient(s.client)
	if err != nil {
		return "", fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	stop := context.AfterFunc(ctx, func() { sf.Close() })
	defer stop()

	if err := os.MkdirAll(filepath.Dir(localPath), 0700); err != nil {
		return "", fmt.Errorf("mkdir local: %w", err)
	}
	src, err := sf.Open(remotePath)
	if err != nil {
		return "", fmt.Errorf("open remote: %w", err)
	}
	defer src.Close()
	dst, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create local: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, h), src); err != nil {
		dst.Close()
		return "", fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close local: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func remoteChecksum(sf *sftp.Client, remotePath string) (string, error) {
	f, err := sf.Open(remotePath)
	if err != nil {
		return "", fmt.Errorf("reopen remote: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read back remote: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileChecksum returns the hex sha256 of a local file.
func FileChecksum(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
