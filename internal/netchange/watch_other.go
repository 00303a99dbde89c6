//go:build !linux

package netchange

func watchAddresses(n *Notifier, stop <-chan struct{}) {
	pollAddresses(n, stop)
}
