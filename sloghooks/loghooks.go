package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/querycache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	FetchRetryEvery uint64
	EvictEvery      uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	retryCtr atomic.Uint64
	evictCtr atomic.Uint64
}

var _ querycache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) FetchStarted(storageKey string, requestID uint64) {
	if h.l == nil {
		return
	}
	h.l.Debug("querycache.fetch_started",
		"key", h.redact(storageKey),
		"request_id", requestID)
}

func (h *Hooks) FetchJoined(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Debug("querycache.fetch_joined",
		"key", h.redact(storageKey))
}

func (h *Hooks) FetchRetry(storageKey string, attempt int, err error) {
	if h.l == nil || !sample(h.opts.FetchRetryEvery, &h.retryCtr) {
		return
	}
	h.l.Info("querycache.fetch_retry",
		"key", h.redact(storageKey),
		"attempt", attempt,
		"err", err)
}

func (h *Hooks) FetchFailed(storageKey string, attempts int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.fetch_failed",
		"key", h.redact(storageKey),
		"attempts", attempts,
		"err", err)
}

func (h *Hooks) FetchSuperseded(storageKey string, requestID uint64) {
	if h.l == nil {
		return
	}
	h.l.Debug("querycache.fetch_superseded",
		"key", h.redact(storageKey),
		"request_id", requestID)
}

func (h *Hooks) OptimisticApplied(n int) {
	if h.l == nil {
		return
	}
	h.l.Debug("querycache.optimistic_applied",
		"touched", n)
}

func (h *Hooks) RollbackApplied(n int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.rollback_applied",
		"touched", n,
		"err", err)
}

func (h *Hooks) EntryEvicted(storageKey string) {
	if h.l == nil || !sample(h.opts.EvictEvery, &h.evictCtr) {
		return
	}
	h.l.Debug("querycache.entry_evicted",
		"key", h.redact(storageKey))
}
