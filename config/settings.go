package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var ErrInvalidSettings = errors.New("invalid settings")

type Settings struct {
	Simulation SimulationSettings `json:"simulation"`
	Octree     OctreeSettings     `json:"octree"`
	Server     ServerSettings     `json:"server"`
	Recording  RecordingSettings  `json:"recording"`
	Log        LogSettings        `json:"log"`
}

type SimulationSettings struct {
	ParticleCount   int     `json:"particleCount"`
	Seed            uint64  `json:"seed"` // 0 seeds from the clock
	Timestep        float32 `json:"timestep"`
	GravityConst    float32 `json:"gravityConst"`
	FusionThreshold float32 `json:"fusionThreshold"`
	Workers         int     `json:"workers"` // 0 uses GOMAXPROCS
	GroupByCell     bool    `json:"groupByCell"`
	Spread          float32 `json:"spread"`
	MinMass         float32 `json:"minMass"`
	MaxMass         float32 `json:"maxMass"`
}

// OctreeSettings bound the Morton domain: coordinates are clamped to
// [-MaxSize, MaxSize] on every axis.
type OctreeSettings struct {
	MaxSize  float32 `json:"maxSize"`
	MaxDepth uint32  `json:"maxDepth"`
}

type ServerSettings struct {
	Addr             string `json:"addr"`
	UpdateIntervalMs int    `json:"updateIntervalMs"`
}

// RecordingSettings enables a CBOR frame log when Path is set.
type RecordingSettings struct {
	Path  string `json:"path"`
	Every int    `json:"every"`
}

type LogSettings struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Default returns the settings used when no file is present.
func Default() Settings {
	return Settings{
		Simulation: SimulationSettings{
			ParticleCount:   2000,
			Timestep:        0.001,
			GravityConst:    0.0001,
			FusionThreshold: 0.01,
			Spread:          2,
			MinMass:         10,
			MaxMass:         100,
		},
		Octree: OctreeSettings{
			MaxSize:  100,
			MaxDepth: 10,
		},
		Server: ServerSettings{
			Addr:             ":8080",
			UpdateIntervalMs: 16,
		},
		Recording: RecordingSettings{
			Every: 10,
		},
		Log: LogSettings{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error and
// yields Default(); the bool reports whether the file was found.
func Load(path string) (Settings, bool, error) {
	s := Default()
	if path == "" {
		return s, false, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, false, nil
		}
		return s, false, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&s); err != nil {
		return s, true, fmt.Errorf("error parsing %s: %w", path, err)
	}
	return s, true, s.Validate()
}

// Validate rejects settings the engine cannot run with.
func (s Settings) Validate() error {
	sim := s.Simulation
	switch {
	case sim.ParticleCount < 0:
		return fmt.Errorf("%w: particleCount %d", ErrInvalidSettings, sim.ParticleCount)
	case sim.Timestep <= 0:
		return fmt.Errorf("%w: timestep must be positive", ErrInvalidSettings)
	case sim.FusionThreshold < 0:
		return fmt.Errorf("%w: fusionThreshold must not be negative", ErrInvalidSettings)
	case sim.Workers < 0:
		return fmt.Errorf("%w: workers %d", ErrInvalidSettings, sim.Workers)
	case sim.MinMass < 0 || sim.MaxMass < sim.MinMass:
		return fmt.Errorf("%w: mass range [%g, %g]", ErrInvalidSettings, sim.MinMass, sim.MaxMass)
	case s.Octree.MaxSize <= 0:
		return fmt.Errorf("%w: octree maxSize %g", ErrInvalidSettings, s.Octree.MaxSize)
	case s.Server.UpdateIntervalMs < 1:
		return fmt.Errorf("%w: updateIntervalMs %d", ErrInvalidSettings, s.Server.UpdateIntervalMs)
	case s.Recording.Every < 1:
		return fmt.Errorf("%w: recording every %d", ErrInvalidSettings, s.Recording.Every)
	}
	return nil
}
