//go:build linux

package netchange

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// watchAddresses listens on a NETLINK_ROUTE socket for address and link
// events, and falls back to polling when the socket cannot be opened.
func watchAddresses(n *Notifier, stop <-chan struct{}) {
	fd, err := openRouteSocket()
	if err != nil {
		n.log.Warn().Err(err).Msg("Netlink unavailable, polling interface addresses.")
		pollAddresses(n, stop)
		return
	}
	defer unix.Close(fd)

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-stop:
			return
		default:
		}
		nr, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			n.log.Warn().Err(err).Msg("Netlink read failed, polling interface addresses.")
			pollAddresses(n, stop)
			return
		}
		if isAddressEvent(buf[:nr]) {
			n.signal(kindIP)
		}
	}
}

func openRouteSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return -1, err
	}
	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	// Wake up periodically so Stop is noticed.
	tv := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func isAddressEvent(b []byte) bool {
	msgs, err := syscall.ParseNetlinkMessage(b)
	if err != nil {
		return false
	}
	for _, m := range msgs {
		switch m.Header.Type {
		case unix.RTM_NEWADDR, unix.RTM_DELADDR, unix.RTM_NEWLINK, unix.RTM_DELLINK:
			return true
		}
	}
	return false
}
