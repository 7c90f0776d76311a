package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/concord-consortium/guide-server/internal/model"
	"github.com/concord-consortium/guide-server/internal/store"
)

// groupFile is the on-disk layout of a group definitions file.
type groupFile struct {
	Groups []model.Group `yaml:"groups"`
}

// loadGroups imports group definitions, skipping files whose content has not
// changed since the last import. Changed files replace the stored groups.
func loadGroups(ctx context.Context, db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash {
			slog.Info("groups file unchanged, skipping", "path", path)
			continue
		}

		var gf groupFile
		if err := yaml.Unmarshal(data, &gf); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for _, g := range gf.Groups {
			if g.Name == "" {
				return fmt.Errorf("group without a name in %s", path)
			}
			if err := db.UpsertGroup(ctx, g); err != nil {
				return fmt.Errorf("store group %s from %s: %w", g.Name, path, err)
			}
		}

		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported groups", "path", path, "count", len(gf.Groups), "updated", storedHash != "")
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
