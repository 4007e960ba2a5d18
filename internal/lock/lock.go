package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// Owner identifies the daemon recorded in a profile lock file.
type Owner struct {
	PID   int
	Since time.Time
}

// HeldError is returned when another daemon holds the profile lock.
type HeldError struct {
	Owner Owner
	Path  string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("profile lock held by PID %d (%s)", e.Owner.PID, e.Path)
}

// Lock is an exclusive flock on a profile directory. Holding it guarantees a
// single daemon, and so a single push connection, per profile.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the profile lock, creating the directory if needed. It
// returns *HeldError when another process holds it.
func Acquire(profileDir string) (*Lock, error) {
	if err := os.MkdirAll(profileDir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(profileDir, fileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("flock: %w", err)
		}
		owner, _ := readOwner(path)
		return nil, &HeldError{Owner: owner, Path: path}
	}

	if err := writeOwner(f, Owner{PID: os.Getpid(), Since: time.Now().UTC()}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("record owner: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

// Release drops the lock and removes the lock file. Safe on a nil or
// already released lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// Holder reports the daemon currently holding the profile lock. A lock file
// left behind by a process that died is not held and reports false.
func Holder(profileDir string) (Owner, bool) {
	path := filepath.Join(profileDir, fileName)
	f, err := os.Open(path)
	if err != nil {
		return Owner{}, false
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err == nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return Owner{}, false
	}
	return readOwner(path)
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\ntime=%s\n", o.PID, o.Since.Format(time.RFC3339))
	return err
}

func readOwner(path string) (Owner, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, false
	}
	var o Owner
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "time":
			o.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return o, o.PID > 0
}
