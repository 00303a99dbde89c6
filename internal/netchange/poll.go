package netchange

import (
	"net"
	"sort"
	"strings"
	"time"
)

// addressFingerprint summarises the host's interface addresses.
func addressFingerprint() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	return fingerprint(addrs), nil
}

func fingerprint(addrs []net.Addr) string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// pollAddresses signals whenever the fingerprint differs from the previous
// poll.
func pollAddresses(n *Notifier, stop <-chan struct{}) {
	last, _ := addressFingerprint()
	ticker := time.NewTicker(n.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cur, err := addressFingerprint()
			if err != nil {
				n.log.Warn().Err(err).Msg("Listing interface addresses failed.")
				continue
			}
			if cur != last {
				last = cur
				n.signal(kindIP)
			}
		}
	}
}
