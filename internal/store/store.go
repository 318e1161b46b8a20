package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"panchcal/internal/config"
	appLog "panchcal/internal/log"
	"panchcal/internal/model"
)

// State is the last-known-good state kept across restarts.
type State struct {
	Location *model.GeoLocation    `json:"location,omitempty"`
	Recent   []model.GeoLocation   `json:"recent"`
	Result   *model.PanchangaResult `json:"result,omitempty"`
	Planets  []model.PlanetPosition `json:"planets,omitempty"`
	Chart    *model.ChartImage      `json:"chart,omitempty"`
	CycleID  string                 `json:"cycle_id,omitempty"`
	SavedAt  time.Time              `json:"saved_at"`
}

// FileStore persists State as one JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store at path. Example: "/var/lib/panchcal/state.json".
func NewFileStore(path string) *FileStore {
	if path == "" {
		// Development runs without root permissions.
		path = "./var/state.json"
	}
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// Load reads the saved state. A missing file is not an error and yields an
// empty State.
func (s *FileStore) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, nil
		}
		return State{}, err
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, err
	}
	return st, nil
}

// Save writes st atomically with 0600 perms.
func (s *FileStore) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.SavedAt.IsZero() {
		st.SavedAt = time.Now().UTC()
	}
	if st.Recent == nil {
		st.Recent = []model.GeoLocation{}
	}

	data, err := json.MarshalIndent(&st, "", "  ")
	if err != nil {
		return err
	}
	if err := config.WriteFileAtomic(s.path, data, ".panchcal-state-*.tmp"); err != nil {
		return err
	}

	appLog.Debug("state saved", "path", s.path, "bytes", len(data))
	return nil
}
