package guestowner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/sev-guest-owner/api"
	"github.com/ruteri/sev-guest-owner/certchain"
	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/ruteri/sev-guest-owner/launch"
	"github.com/ruteri/sev-guest-owner/metrics"
	"github.com/ruteri/sev-guest-owner/policy"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

// Owner drives the guest-owner side of the launch of VMs on one
// orchestrator. Operations on the same VM are strictly sequential: a second
// concurrent operation fails with ErrLaunchInProgress. Different VMs may be
// launched concurrently.
type Owner struct {
	cfg          Config
	server       interfaces.ServerIdentity
	orchestrator api.Orchestrator
	validator    interfaces.CertificateValidator
	bundles      *certchain.Cache
	artifacts    interfaces.StorageBackend
	sessions     *launch.SessionStore
	tracker      *Tracker
	metrics      *metrics.LaunchMetrics
	log          *slog.Logger

	validation singleflight.Group
	locks      sync.Map
	inFlight   atomic.Int64
}

// New creates an owner. store keeps certificate bundles, launch artifacts
// and the session keys, sealed with sealer.
func New(cfg Config, orchestrator api.Orchestrator, store interfaces.StorageBackend, sealer *cryptoutils.Sealer, validator interfaces.CertificateValidator, log *slog.Logger) (*Owner, error) {
	server, err := cfg.Endpoint.Server()
	if err != nil {
		return nil, err
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = DefaultValidationTimeout
	}
	log = log.With(slog.String("server", server.String()))

	return &Owner{
		cfg:          cfg,
		server:       server,
		orchestrator: orchestrator,
		validator:    validator,
		bundles:      certchain.NewCache(store, log),
		artifacts:    store,
		sessions:     launch.NewSessionStore(store, sealer, log),
		tracker:      NewTracker(),
		log:          log,
	}, nil
}

// SetMetrics enables reporting to m.
func (o *Owner) SetMetrics(m *metrics.LaunchMetrics) {
	o.metrics = m
}

// Server returns the identity of the platform behind the orchestrator.
func (o *Owner) Server() interfaces.ServerIdentity {
	return o.server
}

// Tracker returns the launch state records.
func (o *Owner) Tracker() *Tracker {
	return o.tracker
}

// InFlight returns the number of operations holding a VM lock.
func (o *Owner) InFlight() int64 {
	return o.inFlight.Load()
}

// vmLock is a held per-VM lock.
type vmLock struct {
	owner *Owner
	vmID  interfaces.VMID
	mu    *sync.Mutex
	done  bool
}

// finish marks the launch of the VM as over, its lock entry is dropped on
// Unlock.
func (l *vmLock) finish() {
	l.done = true
}

func (l *vmLock) Unlock() {
	if l.done {
		l.owner.locks.CompareAndDelete(l.vmID, l.mu)
	}
	l.owner.metrics.SetInFlight(l.owner.inFlight.Dec())
	l.mu.Unlock()
}

// lockVM takes the per-VM lock without waiting.
func (o *Owner) lockVM(vmID interfaces.VMID) (*vmLock, error) {
	v, _ := o.locks.LoadOrStore(vmID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, fmt.Errorf("%w: vm %s", interfaces.ErrLaunchInProgress, vmID)
	}
	o.metrics.SetInFlight(o.inFlight.Inc())
	return &vmLock{owner: o, vmID: vmID, mu: mu}, nil
}

func (o *Owner) advance(vmID interfaces.VMID, next launch.State) {
	if err := o.tracker.Advance(vmID, next); err != nil {
		o.log.Warn("Unexpected launch state transition", slog.String("vm_id", vmID.String()), "err", err)
	}
}

// FetchCertificates downloads the platform certificates and stores them.
// The returned bundle is not validated.
func (o *Owner) FetchCertificates(ctx context.Context) (*certchain.Bundle, error) {
	archive, err := o.orchestrator.PlatformCertificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch platform certificates: %w", err)
	}
	files, err := certchain.ExtractArchive(archive)
	if err != nil {
		return nil, err
	}
	bundle, err := certchain.NewBundle(o.server, files)
	if err != nil {
		return nil, err
	}
	if err := o.bundles.Save(ctx, bundle); err != nil {
		return nil, err
	}

	o.log.Info("Fetched platform certificates", slog.Any("files", bundle.Names()))
	return bundle, nil
}

// ValidateCertificates returns the validated bundle of the platform. Stored
// certificates are used when present, otherwise they are fetched first.
// Concurrent callers share one validation, which is bounded by
// Config.ValidationTimeout and not by the context of any single caller.
func (o *Owner) ValidateCertificates(ctx context.Context) (*certchain.Bundle, error) {
	if b, ok := o.bundles.Get(o.server); ok && b.Validated() {
		return b, nil
	}

	ch := o.validation.DoChan(o.server.String(), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ValidationTimeout)
		defer cancel()

		bundle, err := o.bundles.Load(ctx, o.server)
		if errors.Is(err, interfaces.ErrContentNotFound) {
			bundle, err = o.FetchCertificates(ctx)
		}
		if err != nil {
			return nil, err
		}
		if bundle.Validated() {
			return bundle, nil
		}

		validated, err := bundle.Validate(ctx, o.validator)
		if err != nil {
			o.log.Error("Platform certificates rejected", "err", err)
			return nil, err
		}
		o.bundles.Put(validated)
		o.log.Info("Platform certificates validated")
		return validated, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*certchain.Bundle), nil
	}
}

func artifactKey(vmID interfaces.VMID, name string) (interfaces.ArtifactKey, error) {
	return interfaces.NewArtifactKey(interfaces.LaunchType, vmID.String(), name)
}

// GenerateGuestOwnerCertificates starts a new launch session for vmID: it
// generates the GODH certificate and the launch blob against the validated
// platform certificates, and persists them together with the sealed session
// keys. Any previous session of vmID is replaced.
func (o *Owner) GenerateGuestOwnerCertificates(ctx context.Context, vmID interfaces.VMID, p policy.GuestPolicy) (*launch.LaunchArtifacts, error) {
	lock, err := o.lockVM(vmID)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	artifacts, err := o.generate(ctx, vmID, p)
	if err != nil {
		o.metrics.ObserveLaunch(metrics.ResultFailure)
		return nil, err
	}
	o.metrics.ObserveLaunch(metrics.ResultSuccess)
	return artifacts, nil
}

func (o *Owner) generate(ctx context.Context, vmID interfaces.VMID, p policy.GuestPolicy) (*launch.LaunchArtifacts, error) {
	bundle, err := o.ValidateCertificates(ctx)
	if err != nil {
		return nil, err
	}

	artifacts, keys, err := launch.GenerateLaunchBlob(p, bundle)
	if err != nil {
		return nil, err
	}
	defer keys.Destroy()

	if err := o.sessions.Save(ctx, vmID, keys); err != nil {
		return nil, err
	}
	for name, content := range artifacts.Files() {
		key, err := artifactKey(vmID, name)
		if err != nil {
			return nil, err
		}
		if err := o.artifacts.Store(ctx, key, content); err != nil {
			return nil, fmt.Errorf("failed to store %s for vm %s: %w", name, vmID, err)
		}
	}

	o.advance(vmID, launch.CertExchanged)
	o.log.Info("Generated guest owner certificates",
		slog.String("vm_id", vmID.String()),
		slog.String("policy", p.String()))
	return artifacts, nil
}

// GuestOwnerArchive returns the stored launch artifacts of vmID as the zip
// archive expected by the orchestrator.
func (o *Owner) GuestOwnerArchive(ctx context.Context, vmID interfaces.VMID) ([]byte, error) {
	files := make(map[string][]byte, 2)
	for _, name := range []string{launch.GODHCertFile, launch.LaunchBlobFile} {
		key, err := artifactKey(vmID, name)
		if err != nil {
			return nil, err
		}
		content, err := o.artifacts.Fetch(ctx, key)
		if errors.Is(err, interfaces.ErrContentNotFound) {
			return nil, fmt.Errorf("%w: no %s for vm %s, generate the guest owner certificates first", interfaces.ErrMissingKeys, name, vmID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s for vm %s: %w", name, vmID, err)
		}
		files[name] = content
	}
	return certchain.BuildArchive(files)
}

// UploadCertificates sends the stored launch artifacts of vmID to the
// orchestrator.
func (o *Owner) UploadCertificates(ctx context.Context, vmID interfaces.VMID) error {
	lock, err := o.lockVM(vmID)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	return o.upload(ctx, vmID)
}

func (o *Owner) upload(ctx context.Context, vmID interfaces.VMID) error {
	archive, err := o.GuestOwnerArchive(ctx, vmID)
	if err != nil {
		return err
	}
	if err := o.orchestrator.UploadGuestOwnerCertificates(ctx, vmID, archive); err != nil {
		return fmt.Errorf("failed to upload guest owner certificates for vm %s: %w", vmID, err)
	}
	o.log.Info("Uploaded guest owner certificates", slog.String("vm_id", vmID.String()))
	return nil
}

// PrepareLaunch generates the launch artifacts of vmID and uploads them.
func (o *Owner) PrepareLaunch(ctx context.Context, vmID interfaces.VMID, p policy.GuestPolicy) error {
	lock, err := o.lockVM(vmID)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if _, err := o.generate(ctx, vmID, p); err != nil {
		o.metrics.ObserveLaunch(metrics.ResultFailure)
		return err
	}
	o.metrics.ObserveLaunch(metrics.ResultSuccess)
	return o.upload(ctx, vmID)
}

// FetchMeasurement returns the launch measurement reported for vmID.
func (o *Owner) FetchMeasurement(ctx context.Context, vmID interfaces.VMID) (*api.MeasurementResponse, error) {
	m, err := o.orchestrator.Measurement(ctx, vmID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch measurement for vm %s: %w", vmID, err)
	}
	o.advance(vmID, launch.MeasurePending)
	return m, nil
}

// verify checks m against the persisted session of vmID. On any
// verification failure the session keys are erased: the session is over
// and a new one has to be started.
func (o *Owner) verify(ctx context.Context, vmID interfaces.VMID, m *api.MeasurementResponse) (*launch.VerifiedLaunch, error) {
	pending, err := o.sessions.Resume(ctx, vmID, o.cfg.FirmwareDigest)
	if err != nil {
		return nil, err
	}

	verified, err := pending.Verify(m.SevInfo, m.LaunchMeasure)
	if err != nil {
		result := metrics.ResultFailure
		if errors.Is(err, interfaces.ErrMeasurementMismatch) {
			result = metrics.ResultMismatch
		}
		o.metrics.ObserveVerification(result)
		o.tracker.Fail(vmID, err)
		o.log.Error("Launch measurement rejected", slog.String("vm_id", vmID.String()), "err", err)

		if eraseErr := o.eraseSession(ctx, vmID); eraseErr != nil {
			return nil, multierror.Append(err, eraseErr)
		}
		return nil, err
	}

	o.metrics.ObserveVerification(metrics.ResultSuccess)
	o.advance(vmID, launch.MeasureVerified)
	o.log.Info("Launch measurement verified", slog.String("vm_id", vmID.String()))
	return verified, nil
}

// VerifyMeasurement fetches and checks the measurement of vmID without
// releasing a secret. The session stays usable for InjectSecret.
func (o *Owner) VerifyMeasurement(ctx context.Context, vmID interfaces.VMID) error {
	lock, err := o.lockVM(vmID)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	m, err := o.FetchMeasurement(ctx, vmID)
	if err != nil {
		return err
	}
	verified, err := o.verify(ctx, vmID, m)
	if err != nil {
		return err
	}
	verified.Close()
	return nil
}

// InjectSecret fetches the measurement of vmID, verifies it and only then
// packages the entries and delivers them to the platform. Nothing is sent
// when the measurement does not match.
//
// A session carries at most one secret: its keys are erased once the
// delivery was attempted, whatever the outcome. After a failed delivery the
// launch has to be prepared again. When the secret was delivered but the
// keys could not be erased, both the VM and the error are returned.
func (o *Owner) InjectSecret(ctx context.Context, vmID interfaces.VMID, entries ...launch.SecretEntry) (*api.VM, error) {
	lock, err := o.lockVM(vmID)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	vm, err := o.inject(ctx, vmID, entries)
	if err != nil {
		o.metrics.ObserveInjection(metrics.ResultFailure)
		return vm, err
	}
	o.metrics.ObserveInjection(metrics.ResultSuccess)
	lock.finish()
	return vm, nil
}

const (
	eraseRetryInterval = 100 * time.Millisecond
	eraseRetries       = 3
)

// eraseSession deletes the session keys of vmID, retrying storage
// failures a few times.
func (o *Owner) eraseSession(ctx context.Context, vmID interfaces.VMID) error {
	retry := backoff.WithMaxRetries(backoff.NewConstantBackOff(eraseRetryInterval), eraseRetries)
	notify := func(err error, wait time.Duration) {
		o.log.Warn("Erasing session keys failed, retrying",
			slog.String("vm_id", vmID.String()),
			slog.Duration("wait", wait),
			"err", err)
	}
	return backoff.RetryNotify(func() error {
		return o.sessions.Erase(ctx, vmID)
	}, backoff.WithContext(retry, ctx), notify)
}

func (o *Owner) inject(ctx context.Context, vmID interfaces.VMID, entries []launch.SecretEntry) (*api.VM, error) {
	m, err := o.FetchMeasurement(ctx, vmID)
	if err != nil {
		return nil, err
	}

	verified, err := o.verify(ctx, vmID, m)
	if err != nil {
		return nil, err
	}
	defer verified.Close()

	packet, err := verified.PackageSecret(entries...)
	if err != nil {
		return nil, err
	}

	vm, err := o.orchestrator.InjectSecret(ctx, vmID, packet.Header, packet.Ciphertext)
	if err != nil {
		// the platform may hold the packet already, the keys must not be
		// used for a second one
		err = fmt.Errorf("failed to inject secret into vm %s: %w", vmID, err)
		o.tracker.Fail(vmID, err)
		o.log.Error("Secret injection failed, session ended", slog.String("vm_id", vmID.String()), "err", err)
		if eraseErr := o.eraseSession(context.WithoutCancel(ctx), vmID); eraseErr != nil {
			return nil, multierror.Append(err, eraseErr)
		}
		return nil, err
	}
	o.advance(vmID, launch.SecretInjected)

	if err := o.eraseSession(context.WithoutCancel(ctx), vmID); err != nil {
		o.tracker.Fail(vmID, err)
		o.log.Error("Failed to erase consumed session keys", slog.String("vm_id", vmID.String()), "err", err)
		return vm, fmt.Errorf("secret injected into vm %s but its session keys remain stored: %w", vmID, err)
	}
	if vm.Status == "running" {
		o.advance(vmID, launch.Running)
	}

	o.log.Info("Secret injected",
		slog.String("vm_id", vmID.String()),
		slog.Int("ssh_port", vm.SSHPort))
	return vm, nil
}

// Abandon ends the launch session of vmID and removes its artifacts.
func (o *Owner) Abandon(ctx context.Context, vmID interfaces.VMID) error {
	lock, err := o.lockVM(vmID)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	var result *multierror.Error
	if err := o.sessions.Erase(ctx, vmID); err != nil {
		result = multierror.Append(result, err)
	}
	for _, name := range []string{launch.GODHCertFile, launch.LaunchBlobFile} {
		key, err := artifactKey(vmID, name)
		if err != nil {
			return err
		}
		if err := o.artifacts.Delete(ctx, key); err != nil {
			result = multierror.Append(result, err)
		}
	}
	o.tracker.Forget(vmID)
	lock.finish()
	return result.ErrorOrNil()
}
