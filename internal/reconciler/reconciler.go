// Package reconciler implements the Bundle Reconciler (C3): the five-state
// machine (Start, Probe, Decide, Generate-or-Rebuild, Upload) that decides
// whether to generate, rebuild, or skip key material, plus the
// check_and_replenish and signed-prekey rotation entry points. The
// rotation-scheduling shape is grounded in the donor's
// internal/security/keyrotation.go KeyRotationScheduler (ticker-driven,
// ShouldRotate-gated) and internal/security/identity_key_rotation.go's
// grace-window retention idea, repurposed here from JWT secrets to X3DH key
// material. The first successful generate branch also mints a stable
// per-installation device id (google/uuid), the same identifier family the
// donor uses for its user/device records, stored locally under
// store.LabelDeviceID as a handle for the installation that is not the
// identity key itself. It is not sent to the directory.
package reconciler

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/silentrelay/e2ee-core/internal/config"
	"github.com/silentrelay/e2ee-core/internal/directory"
	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/keymaterial"
	"github.com/silentrelay/e2ee-core/internal/metrics"
	"github.com/silentrelay/e2ee-core/internal/store"
)

// Reconciler drives the bundle reconciliation state machine for the local
// account.
type Reconciler struct {
	store  *store.Store
	dir    *directory.Client
	cfg    *config.Config
	logger *log.Logger
}

// New constructs a Reconciler.
func New(s *store.Store, dir *directory.Client, cfg *config.Config) *Reconciler {
	return &Reconciler{
		store:  s,
		dir:    dir,
		cfg:    cfg,
		logger: log.New(os.Stdout, "[RECONCILER] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// state names used only for logging and metrics labels.
const (
	stateStart              = "start"
	stateProbe              = "probe"
	stateDecide             = "decide"
	stateGenerateOrRebuild  = "generate_or_rebuild"
	stateUpload             = "upload"
	stateOK                 = "ok"
	stateFailed             = "failed"
)

// Initialize implements initialize(): the single entry point called on
// every authenticated session. It never returns an error to the caller —
// failures are logged and reported via the boolean return, per spec §9's
// "the reconciler's never-block-login policy becomes an explicit log and
// return failed, not a blanket try/catch."
func (r *Reconciler) Initialize(ctx context.Context) bool {
	metrics.RecordReconcilerTransition(stateStart, stateProbe)

	probe, err := r.dir.Count(ctx)
	if err != nil {
		if errs.Is(err, errs.KindStorageUnavailable) {
			r.logger.Printf("FATAL: secret store unavailable during initialize(): %v", err)
		} else {
			r.logger.Printf("probe failed, will retry on next initialize(): %v", err)
		}
		metrics.RecordReconcilerTransition(stateProbe, stateFailed)
		return false
	}

	flagGenerated, err := r.store.GetBool(store.LabelFlagGenerated)
	if err != nil {
		r.logger.Printf("FATAL: secret store unavailable: %v", err)
		return false
	}
	flagUploaded, err := r.store.GetBool(store.LabelFlagUploaded)
	if err != nil {
		r.logger.Printf("FATAL: secret store unavailable: %v", err)
		return false
	}
	_, identityPrivPresent, err := r.store.Get(store.LabelIdentityPriv)
	if err != nil {
		r.logger.Printf("FATAL: secret store unavailable: %v", err)
		return false
	}

	if probe.HasKeyBundle && flagGenerated && flagUploaded && identityPrivPresent {
		metrics.RecordReconcilerTransition(stateProbe, stateOK)
		return true
	}

	if !probe.HasKeyBundle {
		// ReconcilerMismatch: server lost the bundle but local flags
		// claim otherwise. Recovered silently, never surfaced.
		if err := r.store.PutBool(store.LabelFlagUploaded, false); err != nil {
			r.logger.Printf("FATAL: secret store unavailable: %v", err)
			return false
		}
		if err := r.store.PutBool(store.LabelFlagGenerated, false); err != nil {
			r.logger.Printf("FATAL: secret store unavailable: %v", err)
			return false
		}
	}

	metrics.RecordReconcilerTransition(stateProbe, stateDecide)

	storedVersion, err := keymaterial.StoredCryptoVersion(r.store)
	if err != nil {
		r.logger.Printf("FATAL: secret store unavailable: %v", err)
		return false
	}

	// Decide branches on identity private material alone, not on
	// flag_generated: a ReconcilerMismatch clears flag_generated even
	// though the existing private keys are perfectly good, and a crash
	// between the private and public writes of a prior generate can also
	// leave flag_generated false with private material already sampled.
	// Per spec.md's S2 scenario, either case rebuilds from what is already
	// on disk rather than sampling a fresh identity; only a genuine
	// absence of identity private material forces a new keypair. A stored
	// bundle still on an older crypto version forces an upgrade instead of
	// a rebuild, per spec §6, regardless of identity-private presence.
	var bundle keymaterial.PublicBundle
	switch {
	case !identityPrivPresent:
		metrics.RecordReconcilerTransition(stateDecide, stateGenerateOrRebuild)
		generated, err := keymaterial.GenerateBundle()
		if err != nil {
			r.logger.Printf("key generation failed: %v", err)
			metrics.RecordReconcilerTransition(stateGenerateOrRebuild, stateFailed)
			return false
		}
		if err := generated.PersistPrivate(r.store); err != nil {
			r.logger.Printf("FATAL: persisting private key material failed: %v", err)
			return false
		}
		if err := generated.PersistPublic(r.store); err != nil {
			r.logger.Printf("FATAL: persisting public key material failed: %v", err)
			return false
		}
		if err := r.store.PutBool(store.LabelFlagGenerated, true); err != nil {
			r.logger.Printf("FATAL: secret store unavailable: %v", err)
			return false
		}
		if _, deviceIDSet, err := r.store.Get(store.LabelDeviceID); err != nil {
			r.logger.Printf("FATAL: secret store unavailable: %v", err)
			return false
		} else if !deviceIDSet {
			if err := r.store.Put(store.LabelDeviceID, []byte(uuid.New().String())); err != nil {
				r.logger.Printf("FATAL: secret store unavailable: %v", err)
				return false
			}
		}
		bundle = generated.Public

	case storedVersion < keymaterial.CryptoVersion:
		r.logger.Printf("stored bundle is crypto version %d; upgrading to %d", storedVersion, keymaterial.CryptoVersion)
		upgraded, err := keymaterial.UpgradeToV2(r.store, storedVersion)
		if err != nil {
			r.logger.Printf("crypto version upgrade failed: %v", err)
			metrics.RecordReconcilerTransition(stateGenerateOrRebuild, stateFailed)
			return false
		}
		if err := upgraded.PersistPrivate(r.store); err != nil {
			r.logger.Printf("FATAL: persisting upgraded private key material failed: %v", err)
			return false
		}
		if err := upgraded.PersistPublic(r.store); err != nil {
			r.logger.Printf("FATAL: persisting upgraded public key material failed: %v", err)
			return false
		}
		if err := r.store.PutBool(store.LabelFlagGenerated, true); err != nil {
			r.logger.Printf("FATAL: secret store unavailable: %v", err)
			return false
		}
		bundle = upgraded.Public

	default:
		metrics.RecordReconcilerTransition(stateDecide, stateGenerateOrRebuild)
		rebuilt, err := keymaterial.RebuildPublicFromStore(r.store)
		if err != nil {
			r.logger.Printf("rebuild from store failed: %v", err)
			metrics.RecordReconcilerTransition(stateGenerateOrRebuild, stateFailed)
			return false
		}
		if err := r.store.PutBool(store.LabelFlagGenerated, true); err != nil {
			r.logger.Printf("FATAL: secret store unavailable: %v", err)
			return false
		}
		bundle = rebuilt
	}

	metrics.RecordReconcilerTransition(stateGenerateOrRebuild, stateUpload)
	if _, err := r.dir.Upload(ctx, bundle); err != nil {
		r.logger.Printf("upload failed, will retry on next initialize(): %v", err)
		metrics.RecordReconcilerTransition(stateUpload, stateFailed)
		return false
	}

	if err := r.store.PutBool(store.LabelFlagUploaded, true); err != nil {
		r.logger.Printf("FATAL: secret store unavailable: %v", err)
		return false
	}
	metrics.RecordReconcilerTransition(stateUpload, stateOK)
	return true
}

// CheckAndReplenish implements check_and_replenish(): top up the one-time
// prekey pool when the directory reports fewer than the configured
// threshold available, leaving the signed prekey untouched.
func (r *Reconciler) CheckAndReplenish(ctx context.Context) {
	probe, err := r.dir.Count(ctx)
	if err != nil {
		r.logger.Printf("replenish probe failed: %v", err)
		return
	}
	if probe.AvailablePrekeys >= r.cfg.OTPKReplenishThreshold {
		return
	}

	countBytes, ok, err := r.store.Get(store.LabelOTPKCount)
	if err != nil {
		r.logger.Printf("FATAL: secret store unavailable during replenish: %v", err)
		return
	}
	startID := 0
	if ok && len(countBytes) == 8 {
		startID = int(binary.BigEndian.Uint64(countBytes))
	}

	batch, err := keymaterial.GenerateOTPKBatch(startID, r.cfg.OTPKBatchSize)
	if err != nil {
		r.logger.Printf("otpk batch generation failed: %v", err)
		return
	}

	for _, o := range batch {
		if err := r.store.Put(store.OTPKPriv(o.KeyID), o.Private[:]); err != nil {
			r.logger.Printf("FATAL: secret store unavailable during replenish: %v", err)
			return
		}
		if err := r.store.Put(store.OTPKPub(o.KeyID), o.Public[:]); err != nil {
			r.logger.Printf("FATAL: secret store unavailable during replenish: %v", err)
			return
		}
	}

	publics := make([]keymaterial.OTPKPublic, len(batch))
	for i, o := range batch {
		publics[i] = keymaterial.OTPKPublic{KeyID: o.KeyID, Public: base64.StdEncoding.EncodeToString(o.Public[:])}
	}

	if _, err := r.dir.UploadOTPKs(ctx, publics); err != nil {
		r.logger.Printf("otpk replenishment upload failed: %v", err)
		return
	}

	newCount := make([]byte, 8)
	binary.BigEndian.PutUint64(newCount, uint64(startID+len(batch)))
	if err := r.store.Put(store.LabelOTPKCount, newCount); err != nil {
		r.logger.Printf("FATAL: secret store unavailable recording otpk count: %v", err)
		return
	}

	metrics.OTPKReplenishedTotal.Inc()
	metrics.PrekeysRemaining.Set(float64(probe.AvailablePrekeys + len(batch)))
}

// RotationScheduler periodically rotates the signed prekey, retaining old
// private halves for the configured grace window so in-flight inbound
// handshakes against the prior signed prekey still complete. Adapted from
// the donor's KeyRotationScheduler ticker loop.
type RotationScheduler struct {
	r        *Reconciler
	interval time.Duration
	stop     chan struct{}
}

// NewRotationScheduler constructs a scheduler using the reconciler's own
// configured rotation period.
func NewRotationScheduler(r *Reconciler) *RotationScheduler {
	return &RotationScheduler{r: r, interval: r.cfg.SignedPrekeyRotationPeriod, stop: make(chan struct{})}
}

// Start runs the rotation loop until Stop is called. Intended to be run in
// its own goroutine by the caller.
func (s *RotationScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.r.rotateSignedPrekeyIfStale(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the rotation loop.
func (s *RotationScheduler) Stop() {
	close(s.stop)
}

func (r *Reconciler) rotateSignedPrekeyIfStale(ctx context.Context) {
	probe, err := r.dir.Count(ctx)
	if err != nil {
		r.logger.Printf("rotation probe failed: %v", err)
		return
	}
	if !probe.SignedPrekeyStale {
		return
	}

	identitySigningPriv, ok, err := r.store.Get(store.LabelIdentityPriv)
	if err != nil || !ok {
		r.logger.Printf("cannot rotate signed prekey: identity private key unavailable")
		return
	}

	oldPriv, _, _ := r.store.Get(store.LabelSPKPriv)
	if len(oldPriv) > 0 {
		generation := time.Now().Unix()
		if err := r.store.Put(store.SPKPrivGen(int(generation)), oldPriv); err != nil {
			r.logger.Printf("failed to retain outgoing signed prekey for grace window: %v", err)
		}
	}

	r.evictStaleSignedPrekeyGenerations()

	spk, err := keymaterial.GenerateSignedPrekey(ed25519.PrivateKey(identitySigningPriv))
	if err != nil {
		r.logger.Printf("signed prekey generation failed: %v", err)
		return
	}

	if err := r.store.Put(store.LabelSPKPriv, spk.Private[:]); err != nil {
		r.logger.Printf("FATAL: secret store unavailable during rotation: %v", err)
		return
	}
	if err := r.store.Put(store.LabelSPKPub, spk.Public[:]); err != nil {
		r.logger.Printf("FATAL: secret store unavailable during rotation: %v", err)
		return
	}
	if err := r.store.Put(store.LabelSPKSig, spk.Signature); err != nil {
		r.logger.Printf("FATAL: secret store unavailable during rotation: %v", err)
		return
	}
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, uint64(spk.Timestamp))
	if err := r.store.Put(store.LabelSPKTimestamp, tsBuf); err != nil {
		r.logger.Printf("FATAL: secret store unavailable during rotation: %v", err)
		return
	}

	bundle, err := keymaterial.RebuildPublicFromStore(r.store)
	if err != nil {
		r.logger.Printf("rebuild after rotation failed: %v", err)
		return
	}
	if _, err := r.dir.Upload(ctx, bundle); err != nil {
		r.logger.Printf("upload after rotation failed, will retry: %v", err)
	}
}

// evictStaleSignedPrekeyGenerations enforces the configured grace window:
// a retired signed prekey's private half is kept only while it is both
// within SignedPrekeyGraceWindow's age and among the
// SignedPrekeyGraceGenerations most recent generations, so in-flight
// handshakes against a just-rotated prekey complete without retired private
// material accumulating in the store forever.
func (r *Reconciler) evictStaleSignedPrekeyGenerations() {
	labels, err := r.store.ListPrefix(store.SPKPrivGenPrefix)
	if err != nil {
		r.logger.Printf("failed to list retired signed prekey generations: %v", err)
		return
	}

	type gen struct {
		label      store.Label
		generation int64
	}
	gens := make([]gen, 0, len(labels))
	for _, l := range labels {
		suffix := strings.TrimPrefix(string(l), store.SPKPrivGenPrefix)
		n, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, gen{label: l, generation: n})
	}

	sort.Slice(gens, func(i, j int) bool { return gens[i].generation > gens[j].generation })

	now := time.Now().Unix()
	for i, g := range gens {
		keep := i < r.cfg.SignedPrekeyGraceGenerations &&
			now-g.generation <= int64(r.cfg.SignedPrekeyGraceWindow/time.Second)
		if keep {
			continue
		}
		if err := r.store.Delete(g.label); err != nil {
			r.logger.Printf("failed to evict retired signed prekey generation %d: %v", g.generation, err)
		}
	}
}
