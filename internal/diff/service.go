package diff

import (
	"context"
	"errors"
	"time"

	"github.com/driftpadhq/driftpad/backend/internal/crdt"
	"github.com/driftpadhq/driftpad/backend/internal/fault"
	"github.com/driftpadhq/driftpad/backend/internal/version"
	"go.uber.org/zap"
)

const (
	opDiff        = "diff.compute"
	decoderActor  = "diff-decoder"
	emptyBaseText = ""
)

var (
	errMissingVersions = errors.New("version store is required")

	noOpLogger = zap.NewNop()
)

// Result pairs the resolved version pair with its edit script.
type Result struct {
	DocID         string
	BaseVersionID string
	TargetVersion version.DocumentVersion
	Segments      []Segment
}

// ServiceConfig describes the dependencies of the diff service.
type ServiceConfig struct {
	Versions *version.Store
	Logger   *zap.Logger
}

// Service computes textual differences between stored versions.
type Service struct {
	versions *version.Store
	logger   *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Versions == nil {
		return nil, fault.New(opDiff, "missing_version_store", errMissingVersions)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{versions: cfg.Versions, logger: logger}, nil
}

// Diff computes the edit script from base to target. When baseVersionID is
// empty the version immediately preceding the target is used; the first
// version of a document diffs against empty content.
func (s *Service) Diff(ctx context.Context, docID, targetVersionID, baseVersionID string) (Result, error) {
	started := time.Now()

	target, err := s.versions.Get(ctx, docID, targetVersionID)
	if err != nil {
		return Result{}, err
	}

	baseText := emptyBaseText
	resolvedBaseID := baseVersionID
	if baseVersionID != "" {
		base, err := s.versions.Get(ctx, docID, baseVersionID)
		if err != nil {
			return Result{}, err
		}
		baseText, err = s.textFor(ctx, base)
		if err != nil {
			return Result{}, err
		}
	} else {
		base, err := s.versions.Preceding(ctx, docID, target.VersionNumber)
		switch {
		case errors.Is(err, version.ErrVersionNotFound):
			resolvedBaseID = ""
		case err != nil:
			return Result{}, err
		default:
			resolvedBaseID = base.VersionID
			baseText, err = s.textFor(ctx, base)
			if err != nil {
				return Result{}, err
			}
		}
	}

	targetText, err := s.textFor(ctx, target)
	if err != nil {
		return Result{}, err
	}

	segments := Compute(baseText, targetText)
	s.logger.Debug("diff computed",
		zap.String("doc_id", docID),
		zap.String("target_version_id", targetVersionID),
		zap.Int("segments", len(segments)),
		zap.Duration("elapsed", time.Since(started)))

	return Result{
		DocID:         docID,
		BaseVersionID: resolvedBaseID,
		TargetVersion: target,
		Segments:      segments,
	}, nil
}

// textFor returns the version's plain text, preferring the cached content and
// falling back to decoding the stored snapshot.
func (s *Service) textFor(ctx context.Context, row version.DocumentVersion) (string, error) {
	if row.ContentText != "" {
		return row.ContentText, nil
	}

	payload, err := s.versions.FetchSnapshot(ctx, row.SnapshotRef)
	if err != nil {
		return "", err
	}
	engine, err := crdt.NewEngine(decoderActor)
	if err != nil {
		return "", fault.New(opDiff, "engine_init_failed", err)
	}
	if _, err := engine.ApplyUpdate(payload); err != nil {
		s.logger.Error("snapshot decode failed",
			zap.String("doc_id", row.DocID),
			zap.String("version_id", row.VersionID),
			zap.Error(err))
		return "", fault.New(opDiff, "snapshot_decode_failed", err)
	}
	return engine.Text(), nil
}
