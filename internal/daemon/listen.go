package daemon

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// Listen binds the control-socket TCP port on all interfaces with
// SO_REUSEADDR and a listen backlog of 1, matching the original's
// `self.server_socket.listen(1)`. net.Listen has no way to request a
// backlog smaller than the OS default, so the socket is built by hand and
// handed to net.FileListener once it is already bound and listening.
func Listen(port int) (net.Listener, error) {
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, syscall.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("daemon: socket: %w", err)
	}

	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("daemon: set SO_REUSEADDR: %w", err)
	}

	if err := syscall.Bind(fd, &syscall.SockaddrInet4{Port: port}); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("daemon: bind :%d: %w", port, err)
	}

	if err := syscall.Listen(fd, 1); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("daemon: listen: %w", err)
	}

	// net.FileListener dups fd internally, so the os.File (and the fd it
	// wraps) can be closed once the net.Listener holds its own copy.
	f := os.NewFile(uintptr(fd), fmt.Sprintf("matsend-control-%d", port))
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("daemon: file listener: %w", err)
	}
	return ln, nil
}
