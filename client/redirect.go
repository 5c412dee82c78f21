// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"github.com/relaymq/relaymq/core"
	"github.com/relaymq/relaymq/wire"
)

// redirectLoop implements §4.6's redirect chain: it calls fn against
// successive hosts, starting at startHost, following each
// NOT_RESPONSIBLE_FOR_TOPIC response to the host named in statusMsg (or a
// seed host if empty) until fn succeeds, fails outright, or the redirect
// budget is exhausted. It returns the response, the host that finally
// produced it (for host-cache population), and an error.
func redirectLoop(
	cfg Config,
	seedHosts []string,
	startHost string,
	fn func(host string, shouldClaim bool, tried []string) (wire.PubSubResponse, error),
) (wire.PubSubResponse, string, error) {
	tried := make(map[string]struct{})
	host := startHost
	shouldClaim := false

	for {
		triedList := make([]string, 0, len(tried))
		for h := range tried {
			triedList = append(triedList, h)
		}

		resp, err := fn(host, shouldClaim, triedList)
		if err != nil {
			return wire.PubSubResponse{}, host, err
		}
		if resp.Status != wire.StatusNotResponsibleForTopic {
			return resp, host, nil
		}

		if len(tried) >= cfg.MaxRedirects {
			return wire.PubSubResponse{}, host, core.ErrTooManyRedirects
		}

		next := resp.StatusMsg
		if next == "" {
			next = fallbackSeed(seedHosts, tried)
		}
		if _, seen := tried[next]; seen {
			return wire.PubSubResponse{}, host, core.ErrRedirectLoop
		}

		tried[host] = struct{}{}
		host = next
		shouldClaim = true
	}
}

// fallbackSeed picks the first configured seed host not already tried,
// falling back to the first seed host outright if every seed has been
// tried (a fresh attempt against it may still succeed if ownership moved).
func fallbackSeed(seedHosts []string, tried map[string]struct{}) string {
	for _, h := range seedHosts {
		if _, seen := tried[h]; !seen {
			return h
		}
	}
	if len(seedHosts) > 0 {
		return seedHosts[0]
	}
	return ""
}
