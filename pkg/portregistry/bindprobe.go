package portregistry

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// portAvailable probes a candidate port by attempting a non-blocking bind on
// loopback (spec.md §4.2 step 5). IPv4 is authoritative; IPv6 is checked
// opportunistically and only counts against availability when it fails with
// "address in use" - a host with no IPv6 stack must not make every port look
// unavailable.
func portAvailable(port int) bool {
	v4, err := net.Listen("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}

	defer v4.Close()

	v6, err := net.Listen("tcp6", fmt.Sprintf("[::1]:%d", port))
	if err == nil {
		defer v6.Close()

		return true
	}

	if isAddrInUse(err) {
		return false
	}

	return true
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
