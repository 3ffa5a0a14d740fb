package wire

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

func xdgRuntimeDir() string {
	dir, ok := os.LookupEnv("XDG_RUNTIME_DIR")
	if ok {
		return dir
	}
	return fmt.Sprintf("/run/user/%v", os.Getuid())
}

// SocketPath resolves a display name the way clients do: absolute
// names are used as is, others live in $XDG_RUNTIME_DIR.
func SocketPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(xdgRuntimeDir(), name)
}

// Listener accepts client connections on a Wayland socket. The socket
// file is guarded by a lock file so that two servers never share a
// name.
type Listener struct {
	fd   int
	name string
	path string
	lock *os.File
}

// Listen binds the named socket. An empty name picks the first free
// wayland-N.
func Listen(name string) (*Listener, error) {
	if name != "" {
		return listen(name)
	}

	for i := 0; i < 32; i++ {
		lis, err := listen("wayland-" + strconv.Itoa(i))
		if err == nil {
			return lis, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EADDRINUSE) {
			return nil, err
		}
	}
	return nil, errors.New("no free wayland socket name")
}

func listen(name string) (*Listener, error) {
	path := SocketPath(name)
	if len(path) >= len(unix.RawSockaddrUnix{}.Path) {
		return nil, fmt.Errorf("socket path too long: %s", path)
	}

	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lock.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	// We hold the lock, so a leftover socket belongs to a dead server.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		lock.Close()
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		lock.Close()
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		os.Remove(path)
		lock.Close()
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}

	return &Listener{fd: fd, name: name, path: path, lock: lock}, nil
}

// Fd returns the listening descriptor for readiness polling.
func (l *Listener) Fd() int {
	return l.fd
}

// Name is the display name clients put in WAYLAND_DISPLAY.
func (l *Listener) Name() string {
	return l.name
}

// Path is the socket's file system path.
func (l *Listener) Path() string {
	return l.path
}

// Accept accepts one pending connection. It returns nil without error
// when none is pending.
func (l *Listener) Accept() (*Conn, error) {
	fd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ECONNABORTED) || errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	return NewConn(fd)
}

// Close removes the socket and releases the lock.
func (l *Listener) Close() error {
	err := unix.Close(l.fd)
	os.Remove(l.path)
	os.Remove(l.lock.Name())
	return errors.Join(err, l.lock.Close())
}

// DisplayName strips a socket path to the name clients use.
func DisplayName(path string) string {
	return strings.TrimPrefix(path, xdgRuntimeDir()+string(filepath.Separator))
}
