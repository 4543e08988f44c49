package fleetota

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultArtifactTTL is the lifetime of minted download URLs and the hard
// deadline for the deployment as a whole.
const DefaultArtifactTTL = 10 * time.Minute

// InitiatorConfig controls deployment initiation.
type InitiatorConfig struct {
	ArtifactTTL time.Duration
	Now         func() time.Time
}

// Initiator resolves targets, persists a deployment and fans the command out
// to devices through the external command channel.
type Initiator struct {
	records    RecordStore
	tracking   TrackingStore
	dispatcher Dispatcher
	signer     URLSigner
	starter    TaskStarter
	ttl        time.Duration
	now        func() time.Time
}

// NewInitiator builds an initiator over the provided collaborators.
func NewInitiator(records RecordStore, tracking TrackingStore, dispatcher Dispatcher, signer URLSigner, starter TaskStarter, cfg InitiatorConfig) (*Initiator, error) {
	if records == nil || tracking == nil || dispatcher == nil || signer == nil || starter == nil {
		return nil, errors.New("initiator requires record store, tracking store, dispatcher, signer and task starter")
	}
	if cfg.ArtifactTTL <= 0 {
		cfg.ArtifactTTL = DefaultArtifactTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Initiator{
		records:    records,
		tracking:   tracking,
		dispatcher: dispatcher,
		signer:     signer,
		starter:    starter,
		ttl:        cfg.ArtifactTTL,
		now:        cfg.Now,
	}, nil
}

// DeployRequest asks for one fan-out operation. Firmware deployments carry
// exactly one artifact id; advertisement deployments one or more.
type DeployRequest struct {
	Kind        Kind
	ArtifactIDs []int64
	Filter      TargetFilter
}

// DeployResult reports the persisted deployment and the dispatched command.
type DeployResult struct {
	DeploymentID int64
	Command      DeploymentCommand
	TargetCount  int
}

// Deploy runs the initiation sequence: resolve artifacts and targets, mint
// signed URLs, persist the deployment with its initial per-device rows,
// dispatch the command, seed the tracking set and register reconciliation.
// Persistence happens before dispatch; a dispatch failure leaves the rows in
// place and surfaces ErrDispatchFailed.
func (i *Initiator) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	if req.Filter.Empty() {
		return nil, errors.Wrap(ErrInvalidRequest, "target filter is empty")
	}
	if len(req.ArtifactIDs) == 0 {
		return nil, errors.Wrap(ErrInvalidRequest, "no artifact ids")
	}
	if req.Kind == KindFirmware && len(req.ArtifactIDs) != 1 {
		return nil, errors.Wrap(ErrInvalidRequest, "firmware deployments carry exactly one artifact")
	}

	artifacts, err := i.records.ArtifactsByIDs(ctx, req.Kind, req.ArtifactIDs)
	if err != nil {
		return nil, errors.Wrap(err, "resolve artifacts failed")
	}
	if len(artifacts) != len(dedupeIDs(req.ArtifactIDs)) {
		return nil, errors.Wrapf(ErrNotFound, "unknown %s artifact id", req.Kind)
	}

	devices, err := i.records.ResolveTargets(ctx, req.Filter)
	if err != nil {
		return nil, errors.Wrap(err, "resolve target devices failed")
	}
	if len(devices) == 0 {
		return nil, errors.Wrap(ErrInvalidRequest, "target filter resolved to zero devices")
	}

	now := i.now()
	expiresAt := now.Add(i.ttl)
	commandID := NewCommandID(req.Kind)

	content := make([]DeploymentContent, 0, len(artifacts))
	for _, artifact := range artifacts {
		signed, err := i.signer.Sign(artifact.StoragePath, expiresAt)
		if err != nil {
			return nil, errors.Wrapf(err, "sign artifact %d failed", artifact.ID)
		}
		content = append(content, DeploymentContent{
			SignedURL: SignedURL{URL: signed, ExpiresInSeconds: int(i.ttl / time.Second)},
			File:      FileInfo{ArtifactID: artifact.ID, FileHash: artifact.FileHash, FileSize: artifact.FileSize},
		})
	}

	deviceIDs := make([]int64, 0, len(devices))
	targetRefs := make([]TargetDeviceRef, 0, len(devices))
	for _, d := range devices {
		deviceIDs = append(deviceIDs, d.ID)
		targetRefs = append(targetRefs, TargetDeviceRef{DeviceID: d.ID})
	}

	dep := &Deployment{
		CommandID:   commandID,
		Kind:        req.Kind,
		ArtifactIDs: req.ArtifactIDs,
		Selector:    req.Filter.Selector(),
		DeployedAt:  now,
		ExpiresAt:   expiresAt,
	}
	if err := i.records.CreateDeployment(ctx, dep, deviceIDs); err != nil {
		return nil, errors.Wrap(err, "persist deployment failed")
	}

	cmd := DeploymentCommand{
		CommandID:     commandID,
		Kind:          req.Kind,
		Content:       content,
		TargetDevices: targetRefs,
		Timestamp:     now,
	}
	if err := i.dispatcher.Dispatch(ctx, cmd); err != nil {
		// The deployment row stays: persisted but never delivered, a
		// detectable anomaly that operators can re-dispatch.
		metricDispatchFailures.Inc()
		log.Error().Err(err).
			Str("command_id", commandID).
			Int64("deployment_id", dep.ID).
			Msg("deployment persisted but dispatch failed")
		return nil, errors.Wrap(err, "dispatch deployment command")
	}

	if err := i.tracking.Seed(ctx, commandID, deviceIDs); err != nil {
		return nil, errors.Wrap(err, "seed tracking set failed")
	}
	i.starter.Start(commandID)

	log.Info().
		Str("command_id", commandID).
		Int64("deployment_id", dep.ID).
		Str("kind", string(req.Kind)).
		Int("target_devices", len(deviceIDs)).
		Time("expires_at", expiresAt).
		Msg("deployment dispatched")

	return &DeployResult{DeploymentID: dep.ID, Command: cmd, TargetCount: len(deviceIDs)}, nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
