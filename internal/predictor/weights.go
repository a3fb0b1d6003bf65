package predictor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNoWeights is returned by LoadLatest when the directory holds no weights.
var ErrNoWeights = errors.New("no saved weights")

// weightsLayout is basic ISO 8601 in UTC, so lexical order is chronological order.
const weightsLayout = "20060102T150405.000Z"

// WeightStore versions weight files by timestamp inside one directory.
type WeightStore struct {
	dir    string
	keep   int
	logger *zap.Logger
	now    func() time.Time
}

func NewWeightStore(dir string, keep int, logger *zap.Logger) *WeightStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keep < 1 {
		keep = 1
	}
	return &WeightStore{dir: dir, keep: keep, logger: logger.Named("weights"), now: time.Now}
}

func (s *WeightStore) Dir() string { return s.dir }

// Save writes p under a new timestamp and purges versions beyond keep.
func (s *WeightStore) Save(p Predictor) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create weights dir: %w", err)
	}
	path := filepath.Join(s.dir, s.now().UTC().Format(weightsLayout))
	if err := p.SaveWeights(path); err != nil {
		return "", err
	}
	s.logger.Info("Saved weights", zap.String("Path", path))

	if err := s.Purge(); err != nil {
		s.logger.Warn("Failed to purge old weights", zap.Error(err))
	}
	return path, nil
}

// LoadLatest loads the newest version into p.
func (s *WeightStore) LoadLatest(p Predictor) (string, error) {
	versions, err := s.Versions()
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", ErrNoWeights
	}
	path := versions[len(versions)-1]
	if err := p.LoadWeights(path); err != nil {
		return "", fmt.Errorf("load %s: %w", path, err)
	}
	s.logger.Info("Loaded weights", zap.String("Path", path))
	return path, nil
}

// Versions lists complete versions (path prefixes), oldest first.
func (s *WeightStore) Versions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read weights dir: %w", err)
	}

	var versions []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".index") {
			continue
		}
		stamp := strings.TrimSuffix(name, ".index")
		if _, err := time.Parse(weightsLayout, stamp); err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, stamp+".data")); err != nil {
			continue
		}
		versions = append(versions, filepath.Join(s.dir, stamp))
	}
	sort.Strings(versions)
	return versions, nil
}

// Purge removes all but the newest keep versions.
func (s *WeightStore) Purge() error {
	versions, err := s.Versions()
	if err != nil {
		return err
	}
	if len(versions) <= s.keep {
		return nil
	}
	var errs []error
	for _, path := range versions[:len(versions)-s.keep] {
		for _, ext := range []string{".index", ".data"} {
			if err := os.Remove(path + ext); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
