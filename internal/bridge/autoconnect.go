package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"
)

// AutoConnect attempts to bring up a secure session without user
// interaction: primary device first on a short timeout, then remaining
// candidates ranked by live RSSI. bonded lists the addresses the OS
// currently holds bonds for; only those with a stored APPKEY are
// candidates. Never prompts for a password.
func (b *Bridge) AutoConnect(ctx context.Context, bonded []string) error {
	b.mu.Lock()
	if b.prefs.Connect.DisabledByError {
		b.mu.Unlock()
		return errors.New("bridge: auto-connect disabled after repeated failures")
	}
	if !b.prefs.Connect.Auto {
		b.mu.Unlock()
		return ErrDisabled
	}
	if time.Now().Before(b.suppressUntil) {
		b.mu.Unlock()
		return ErrSuppressed
	}
	if b.promptBusy {
		// The UI holds the password slot; don't race the user.
		b.mu.Unlock()
		return ErrSuppressed
	}
	primary := b.prefs.Device.Addr
	b.mu.Unlock()

	if !b.connectInProgress.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer b.connectInProgress.Store(false)

	candidates := b.candidateSet(primary, bonded)
	if len(candidates) == 0 {
		return ErrNoDevice
	}

	// Fast path: the primary on a short leash.
	if primary != "" {
		err := b.connectLocked(ctx, primary, false, b.opts.FastPathTimeout)
		if err == nil {
			return nil
		}
		slog.Info("[BRIDGE] fast path failed", "addr", primary, "error", err)
	}

	// Fallback: rank the remaining candidates by what the air says.
	var rest []string
	for _, addr := range candidates {
		if addr != primary {
			rest = append(rest, addr)
		}
	}
	if len(rest) > 0 {
		rssi := b.link.ScanForRSSI(ctx, rest, b.opts.RSSIWindow)
		for _, addr := range rankCandidates(rest, rssi) {
			err := b.connectLocked(ctx, addr, false, b.opts.FastPathTimeout)
			if err == nil {
				return nil
			}
			slog.Info("[BRIDGE] candidate failed", "addr", addr, "error", err)
		}
	}

	b.setPhase(PhaseFailed)
	b.mu.Lock()
	b.prefs.Connect.DisabledByError = true
	b.mu.Unlock()
	if err := b.save(b.prefs); err != nil {
		slog.Warn("[BRIDGE] failed to persist disabled-by-error", "error", err)
	}
	b.message("could not reach any dongle; auto-connect is off until the next successful connect")
	return errors.New("bridge: no candidate dongle reachable")
}

// candidateSet builds {primary} ∪ {bonded with a stored APPKEY},
// primary first, preserving bonded order, no duplicates.
func (b *Bridge) candidateSet(primary string, bonded []string) []string {
	var out []string
	seen := make(map[string]bool)
	if primary != "" {
		out = append(out, primary)
		seen[primary] = true
	}
	for _, addr := range bonded {
		if addr == "" || seen[addr] {
			continue
		}
		if !b.keys.Has(addr) {
			continue
		}
		out = append(out, addr)
		seen[addr] = true
	}
	return out
}

// rankCandidates orders candidates by scan result: strongest RSSI
// first, devices seen in the scan before unseen ones, input order as
// the deterministic tiebreak.
func rankCandidates(candidates []string, rssi map[string]int16) []string {
	out := make([]string, len(candidates))
	copy(out, candidates)
	index := make(map[string]int, len(candidates))
	for i, addr := range candidates {
		index[addr] = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, iSeen := rssi[out[i]]
		rj, jSeen := rssi[out[j]]
		switch {
		case iSeen && !jSeen:
			return true
		case !iSeen && jSeen:
			return false
		case iSeen && jSeen && ri != rj:
			return ri > rj
		default:
			return index[out[i]] < index[out[j]]
		}
	})
	return out
}
