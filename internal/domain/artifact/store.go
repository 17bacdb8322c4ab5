// Package artifact persists trained (network, scaler) pairs as versioned
// bundles and loads them back only as a matched pair.
package artifact

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/okian/formlab/internal/domain/classifier"
	"github.com/okian/formlab/internal/domain/landmark"
	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/internal/domain/scaler"
	"github.com/okian/formlab/internal/domain/types"
	"github.com/okian/formlab/pkg/logger"
	"github.com/okian/formlab/pkg/metrics"
)

// Bundle file names.
const (
	ManifestFile = "manifest.json"
	WeightsFile  = "weights.msgpack"
	ScalerFile   = "scaler.msgpack"
	currentFile  = "CURRENT"
	lockFile     = ".lock"
	tmpPrefix    = ".tmp-"

	lockRetryDelay = 50 * time.Millisecond
	lockTimeout    = 10 * time.Second
)

// Bundle is a loaded, verified artifact.
type Bundle struct {
	Manifest Manifest
	Network  *classifier.Network
	Scaler   *scaler.Scaler
}

// SaveInfo carries run metadata recorded in the manifest.
type SaveInfo struct {
	TaskID       string
	TestAccuracy float64
	TestLoss     float64
}

// Option configures a Store.
type Option func(*Store)

// WithSequenceLength makes Load reject bundles trained for another length.
func WithSequenceLength(n int) Option {
	return func(s *Store) {
		s.sequenceLength = n
	}
}

// WithClock overrides time.Now for bundle ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store reads and writes bundles under one directory.
type Store struct {
	dir            string
	sequenceLength int
	now            func() time.Time
	logger         logger.Logger

	mu      sync.Mutex
	entropy io.Reader
}

// NewStore opens (creating if needed) the artifact directory.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	s := &Store{
		dir:     dir,
		now:     time.Now,
		logger:  logger.Get().Named("artifact"),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the directory of bundle id.
func (s *Store) Path(id string) string { return filepath.Join(s.dir, id) }

func (s *Store) newID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(s.now()), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *Store) lock(ctx context.Context) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(s.dir, lockFile))
	lctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	ok, err := fl.TryLockContext(lctx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lock artifact dir: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return fl, nil
}

// Save writes a new bundle, marks it current, and returns its manifest.
// The bundle appears atomically: readers see either nothing or all three files.
func (s *Store) Save(ctx context.Context, net *classifier.Network, sc *scaler.Scaler, info SaveInfo) (Manifest, error) {
	state, err := sc.State()
	if err != nil {
		return Manifest{}, err
	}
	id, err := s.newID()
	if err != nil {
		return Manifest{}, fmt.Errorf("bundle id: %w", err)
	}
	shape := net.Shape()

	weights, err := msgpack.Marshal(&weightsBlob{
		BundleID:     id,
		Architecture: net.Architecture().String(),
		Tensors:      net.Weights(),
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("encode weights: %w", err)
	}
	scalerBytes, err := msgpack.Marshal(&scalerBlob{BundleID: id, State: state})
	if err != nil {
		return Manifest{}, fmt.Errorf("encode scaler: %w", err)
	}

	m := Manifest{
		SchemaVersion:  SchemaVersion,
		ID:             id,
		TaskID:         info.TaskID,
		Architecture:   net.Architecture().String(),
		SequenceLength: shape.Steps,
		FeatureCount:   shape.Features,
		FeatureOrder:   landmark.CanonicalIndices[:],
		Labels:         labelNames(),
		ParamCount:     net.ParamCount(),
		WeightsSHA256:  digest(weights),
		ScalerSHA256:   digest(scalerBytes),
		TestAccuracy:   info.TestAccuracy,
		TestLoss:       info.TestLoss,
		CreatedAt:      s.now().UTC(),
	}
	manifest, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("encode manifest: %w", err)
	}

	fl, err := s.lock(ctx)
	if err != nil {
		return Manifest{}, err
	}
	defer func() { _ = fl.Unlock() }()

	tmp := filepath.Join(s.dir, tmpPrefix+id)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("create bundle dir: %w", err)
	}
	files := map[string][]byte{WeightsFile: weights, ScalerFile: scalerBytes, ManifestFile: manifest}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(tmp, name), data, 0o644); err != nil {
			_ = os.RemoveAll(tmp)
			return Manifest{}, fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := os.Rename(tmp, s.Path(id)); err != nil {
		_ = os.RemoveAll(tmp)
		return Manifest{}, fmt.Errorf("publish bundle: %w", err)
	}
	if err := s.setCurrent(id); err != nil {
		return Manifest{}, err
	}

	metrics.RecordArtifactSaved()
	s.logger.Info(ctx, "artifact saved",
		logger.String("id", id),
		logger.String("architecture", m.Architecture),
		logger.String("path", s.Path(id)),
	)
	return m, nil
}

func (s *Store) setCurrent(id string) error {
	tmp := filepath.Join(s.dir, currentFile+".tmp")
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("write current marker: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, currentFile)); err != nil {
		return fmt.Errorf("publish current marker: %w", err)
	}
	return nil
}

// Current returns the id of the active bundle.
func (s *Store) Current(_ context.Context) (string, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, currentFile))
	if err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read current marker: %w", err)
	}
	ids, err := s.ids()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", ErrNoArtifact
	}
	return ids[len(ids)-1], nil
}

// Latest loads the active bundle.
func (s *Store) Latest(ctx context.Context) (*Bundle, error) {
	id, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, id)
}

// List returns the manifests of every bundle, oldest first. Unreadable
// bundles are skipped.
func (s *Store) List(ctx context.Context) ([]Manifest, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}
	out := make([]Manifest, 0, len(ids))
	for _, id := range ids {
		m, err := s.readManifest(id)
		if err != nil {
			s.logger.Warn(ctx, "skipping unreadable bundle", logger.String("id", id), logger.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) ids() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := ulid.ParseStrict(e.Name()); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) readManifest(id string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(filepath.Join(s.Path(id), ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, fmt.Errorf("%w: %s", ErrNoArtifact, id)
		}
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%w: manifest: %w", ErrArtifactMismatch, err)
	}
	return m, nil
}

func (s *Store) readBlob(id, name, sum string, v any) error {
	b, err := os.ReadFile(filepath.Join(s.Path(id), name))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrArtifactMismatch, name, err)
	}
	if digest(b) != sum {
		return fmt.Errorf("%w: %s checksum differs from manifest", ErrArtifactMismatch, name)
	}
	if err := msgpack.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrArtifactMismatch, name, err)
	}
	return nil
}

// Load reads and verifies bundle id.
func (s *Store) Load(ctx context.Context, id string) (*Bundle, error) {
	m, err := s.readManifest(id)
	if err != nil {
		return nil, err
	}
	if m.ID != id {
		return nil, fmt.Errorf("%w: manifest id %s in bundle %s", ErrArtifactMismatch, m.ID, id)
	}
	if err := m.check(s.sequenceLength); err != nil {
		return nil, err
	}

	var wb weightsBlob
	if err := s.readBlob(id, WeightsFile, m.WeightsSHA256, &wb); err != nil {
		return nil, err
	}
	var sb scalerBlob
	if err := s.readBlob(id, ScalerFile, m.ScalerSHA256, &sb); err != nil {
		return nil, err
	}
	if wb.BundleID != id || sb.BundleID != id {
		return nil, fmt.Errorf("%w: blobs belong to %s and %s, not %s", ErrArtifactMismatch, wb.BundleID, sb.BundleID, id)
	}

	arch, err := classifier.ParseArchitecture(m.Architecture)
	if err != nil || wb.Architecture != m.Architecture {
		return nil, fmt.Errorf("%w: architecture %q / %q", ErrArtifactMismatch, m.Architecture, wb.Architecture)
	}
	net, err := classifier.New(arch, classifier.Shape{
		Steps:    m.SequenceLength,
		Features: m.FeatureCount,
		Classes:  types.NumLabels,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifactMismatch, err)
	}
	if err := net.SetWeights(wb.Tensors); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifactMismatch, err)
	}

	sc, err := scaler.FromState(sb.State)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifactMismatch, err)
	}
	if sb.State.Features() != model.FeatureCount {
		return nil, fmt.Errorf("%w: scaler fitted on %d features, want %d", ErrArtifactMismatch, sb.State.Features(), model.FeatureCount)
	}

	s.logger.Debug(ctx, "artifact loaded", logger.String("id", id), logger.String("architecture", m.Architecture))
	return &Bundle{Manifest: m, Network: net, Scaler: sc}, nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
