package directory

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"liveroom/pkg/types"
)

// SeedFile is the YAML layout of a world definition file:
//
//	worlds:
//	  - id: sample
//	    title: Sample Conference
//	    trait_grants:
//	      participant: []
//	    rooms:
//	      - id: main
//	        name: Main stage
//	        modules:
//	          - type: chat.native
type SeedFile struct {
	Worlds []SeedWorld `yaml:"worlds"`
}

// SeedWorld is a world with its rooms inline.
type SeedWorld struct {
	types.World `yaml:",inline"`
	Rooms       []types.Room `yaml:"rooms"`
	// Reset clears users, channels and content of the world on import.
	Reset bool `yaml:"reset"`
}

// ParseSeed decodes a seed document.
func ParseSeed(r io.Reader) (*SeedFile, error) {
	var seed SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		if err == io.EOF {
			return &seed, nil
		}
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}

	for i, w := range seed.Worlds {
		if !types.IsValidID(w.ID) {
			return nil, fmt.Errorf("world %d: %w", i, types.ErrInvalidID)
		}
		for j, room := range w.Rooms {
			if !types.IsValidID(room.ID) {
				return nil, fmt.Errorf("world %s room %d: %w", w.ID, j, types.ErrInvalidID)
			}
		}
	}
	return &seed, nil
}

// Import writes every world and room of the seed to the store and drops
// the cached snapshots. Rooms are upserted; rooms missing from the file
// are left alone.
func (d *Directory) Import(ctx context.Context, seed *SeedFile) error {
	for i := range seed.Worlds {
		sw := &seed.Worlds[i]
		world := sw.World

		if err := d.store.UpsertWorld(ctx, &world); err != nil {
			return err
		}
		if sw.Reset {
			if err := d.store.ClearWorldData(ctx, world.ID); err != nil {
				return err
			}
		}
		for j := range sw.Rooms {
			room := sw.Rooms[j]
			room.WorldID = world.ID
			if room.SortOrder == 0 {
				room.SortOrder = j + 1
			}
			if err := d.store.UpsertRoom(ctx, &room); err != nil {
				return err
			}
		}
		if err := d.Invalidate(ctx, world.ID); err != nil {
			d.logger.Warn("failed to invalidate world after import", "world", world.ID, "error", err)
		}
		d.logger.Info("world imported", "world", world.ID, "rooms", len(sw.Rooms), "reset", sw.Reset)
	}
	return nil
}

// ImportFile reads and imports a seed file.
func (d *Directory) ImportFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open seed file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	seed, err := ParseSeed(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return d.Import(ctx, seed)
}
