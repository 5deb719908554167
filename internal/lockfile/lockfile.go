// Package lockfile guards a data directory against being opened by two
// engines at once.
package lockfile

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

// FileName is the lock file created inside the data directory.
const FileName = ".lock"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("data directory is locked by another process")

// Info is the owner record written into the lock file.
type Info struct {
	Instance string
	PID      int
	Hostname string
	Started  time.Time
}

func (i Info) encode() string {
	return fmt.Sprintf("instance=%s\npid=%d\nhostname=%s\nstarted=%s\n",
		i.Instance, i.PID, i.Hostname, i.Started.Format(time.RFC3339))
}

// Lock is an exclusive flock on a data directory.
type Lock struct {
	path string
	file *os.File
	info Info
}

// Acquire locks dataDir for the engine identified by instance. It fails
// with an error wrapping ErrLocked if the lock is held elsewhere.
func Acquire(dataDir, instance string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dataDir, FileName)
	file, err := lockPath(path, dataDir)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	info := Info{
		Instance: instance,
		PID:      os.Getpid(),
		Hostname: hostname,
		Started:  time.Now().UTC().Truncate(time.Second),
	}

	fail := func(step string, err error) (*Lock, error) {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to %s lock file: %w", step, err)
	}
	if err := file.Truncate(0); err != nil {
		return fail("truncate", err)
	}
	if _, err := file.WriteAt([]byte(info.encode()), 0); err != nil {
		return fail("write", err)
	}
	if err := file.Sync(); err != nil {
		return fail("sync", err)
	}

	return &Lock{path: path, file: file, info: info}, nil
}

// lockPath opens and flocks path. Release unlinks the file while still
// holding the lock, so a competitor can end up locking an inode that is no
// longer reachable by name; in that case the open is retried against the
// file now at path.
func lockPath(path, dataDir string) (*os.File, error) {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open lock file: %w", err)
		}

		if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
			file.Close()
			if owner, readErr := Read(path); readErr == nil {
				return nil, fmt.Errorf("%w: %s (instance %s, pid %d on %s)",
					ErrLocked, dataDir, owner.Instance, owner.PID, owner.Hostname)
			}
			return nil, fmt.Errorf("%w: %s", ErrLocked, dataDir)
		}

		if samePath(file, path) {
			return file, nil
		}
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
	}
	return nil, fmt.Errorf("%w: %s (lock file keeps changing)", ErrLocked, dataDir)
}

const maxLockAttempts = 5

// samePath reports whether file is still the file linked at path.
func samePath(file *os.File, path string) bool {
	held, err := file.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, current)
}

// Info returns the owner record this lock wrote.
func (l *Lock) Info() Info {
	return l.info
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the lock file and then unlocks it. The file is unlinked
// while the flock is still held so no other engine can lock it in between.
// Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil

	removeErr := os.Remove(l.path)
	if os.IsNotExist(removeErr) {
		removeErr = nil
	}
	syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	closeErr := file.Close()

	if removeErr != nil {
		return fmt.Errorf("failed to remove lock file: %w", removeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close lock file: %w", closeErr)
	}
	return nil
}

// Read parses a lock file written by Acquire.
func Read(path string) (Info, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}

	var info Info
	for _, line := range strings.Split(string(content), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "instance":
			info.Instance = value
		case "pid":
			info.PID, _ = strconv.Atoi(value)
		case "hostname":
			info.Hostname = value
		case "started":
			info.Started, _ = time.Parse(time.RFC3339, value)
		}
	}
	return info, nil
}
