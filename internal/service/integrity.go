package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chirino/chat-state-service/internal/envelope"
	"github.com/chirino/chat-state-service/internal/model"
	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
	registrystore "github.com/chirino/chat-state-service/internal/registry/store"
)

// IntegrityReport summarizes the health of the encryption domain boundary
// and the persistence pipeline.
type IntegrityReport struct {
	ScannedAt        time.Time            `json:"scannedAt"`
	CiphertextsSeen  int64                `json:"ciphertextsSeen"`
	DomainViolations int64                `json:"domainViolations"`
	StaleCacheKeys   int64                `json:"staleCacheKeys"`
	DeadTasks        int64                `json:"deadTasks"`
	Violations       []envelope.Violation `json:"violations,omitempty"`
}

// IntegrityScanner audits durable ciphertexts and cache payloads against the
// domain rules: everything durable and everything in the sync cache must be
// user-domain, the AI working cache must be server-domain. Violations are
// flagged and counted, never repaired in place.
type IntegrityScanner struct {
	store      registrystore.ChatStore
	cache      registrycache.ChatCache
	reconciler *PersistenceReconciler
	guard      *envelope.Guard
	interval   time.Duration
	batchSize  int
	maxRetries int
}

// NewIntegrityScanner creates an integrity scanner.
func NewIntegrityScanner(store registrystore.ChatStore, cache registrycache.ChatCache, reconciler *PersistenceReconciler, guard *envelope.Guard, interval time.Duration, batchSize, maxRetries int) *IntegrityScanner {
	return &IntegrityScanner{
		store:      store,
		cache:      cache,
		reconciler: reconciler,
		guard:      guard,
		interval:   interval,
		batchSize:  batchSize,
		maxRetries: maxRetries,
	}
}

// Start begins the periodic scan loop. Returns when ctx is cancelled.
func (s *IntegrityScanner) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunPass(ctx); err != nil {
				log.Error("IntegrityScanner: pass failed", "err", err)
			}
		}
	}
}

// RunPass executes one full audit and returns the report.
func (s *IntegrityScanner) RunPass(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{ScannedAt: time.Now()}

	err := s.store.ScanCiphertexts(ctx, s.batchSize, func(ref registrystore.CiphertextRef) error {
		report.CiphertextsSeen++
		// A violation is recorded by the guard and the scan moves on; the
		// offending row is left exactly as found.
		_ = s.guard.AssertDomain(ref.Ciphertext, envelope.DomainUser, "durable-store", ref.Entity+":"+ref.Ref)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.auditListItems(ctx, report); err != nil {
		return nil, err
	}
	if err := s.auditCacheTier(ctx, registrycache.SyncMessagesPattern, envelope.DomainUser, report); err != nil {
		return nil, err
	}
	if err := s.auditCacheTier(ctx, registrycache.AIMessagesPattern, envelope.DomainServer, report); err != nil {
		return nil, err
	}

	dead, err := s.store.CountDeadTasks(ctx, s.maxRetries)
	if err != nil {
		return nil, err
	}
	report.DeadTasks = dead
	if s.reconciler != nil {
		report.StaleCacheKeys = s.reconciler.StaleKeys()
	}
	report.DomainViolations = s.guard.ViolationCount()
	report.Violations = s.guard.Violations()

	if report.DomainViolations > 0 || report.DeadTasks > 0 {
		log.Warn("IntegrityScanner: issues found",
			"domainViolations", report.DomainViolations, "deadTasks", report.DeadTasks)
	}
	return report, nil
}

// Report assembles the current counters without running a fresh scan.
// The diagnostics endpoint uses this to stay cheap.
func (s *IntegrityScanner) Report(ctx context.Context) (*IntegrityReport, error) {
	dead, err := s.store.CountDeadTasks(ctx, s.maxRetries)
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{
		ScannedAt:        time.Now(),
		DomainViolations: s.guard.ViolationCount(),
		Violations:       s.guard.Violations(),
		DeadTasks:        dead,
	}
	if s.reconciler != nil {
		report.StaleCacheKeys = s.reconciler.StaleKeys()
	}
	return report, nil
}

// auditListItems checks the title and draft ciphertexts of every cached
// list item bundle, regardless of remaining TTL. The reconciler only visits
// these entries inside the warning window; the audit must not wait that long
// to surface a contaminated bundle.
func (s *IntegrityScanner) auditListItems(ctx context.Context, report *IntegrityReport) error {
	return s.cache.ScanKeys(ctx, registrycache.ListItemPattern, s.batchSize, func(key string) error {
		entry, err := s.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		var bundle model.ListItemBundle
		if err := json.Unmarshal(entry.Payload, &bundle); err != nil {
			log.Error("IntegrityScanner: unreadable cache payload", "key", key, "err", err)
			return nil
		}
		if len(bundle.EncryptedTitle) > 0 {
			report.CiphertextsSeen++
			_ = s.guard.AssertDomain(bundle.EncryptedTitle, envelope.DomainUser, "sync-cache", key)
		}
		if len(bundle.EncryptedDraft) > 0 {
			report.CiphertextsSeen++
			_ = s.guard.AssertDomain(bundle.EncryptedDraft, envelope.DomainUser, "sync-cache", key)
		}
		return nil
	})
}

// auditCacheTier checks every ciphertext held under one cache key pattern
// against the domain that tier is allowed to carry.
func (s *IntegrityScanner) auditCacheTier(ctx context.Context, pattern string, expected envelope.Domain, report *IntegrityReport) error {
	tier := "sync-cache"
	if expected == envelope.DomainServer {
		tier = "ai-cache"
	}
	return s.cache.ScanKeys(ctx, pattern, s.batchSize, func(key string) error {
		entry, err := s.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		var pending model.PendingMessages
		if err := json.Unmarshal(entry.Payload, &pending); err != nil {
			log.Error("IntegrityScanner: unreadable cache payload", "key", key, "err", err)
			return nil
		}
		for _, msg := range pending.Messages {
			report.CiphertextsSeen++
			_ = s.guard.AssertDomain(msg.EncryptedContent, expected, tier, key)
		}
		return nil
	})
}
