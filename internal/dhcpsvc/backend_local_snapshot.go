package dhcpsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/renameio/v2/maybe"
)

// snapshotVersion is the current version of the on-disk snapshot structure.
const snapshotVersion = 1

// snapshotPerm is the permissions for a snapshot file.
const snapshotPerm fs.FileMode = 0o640

// recordSnapshot is the on-disk structure of a [LocalBackend] snapshot, used
// to seed a cluster node's reconciliation and to persist probated addresses
// across restarts, grounded on the teacher's lease-database file format.
type recordSnapshot struct {
	Records []*Record `json:"records"`
	Version int       `json:"version"`
}

// ExportSnapshot writes every record known to b to path as a single JSON
// document, replacing it atomically.
func (b *LocalBackend) ExportSnapshot(ctx context.Context, path string) (err error) {
	defer func() { err = errors.Annotate(err, "exporting snapshot: %w") }()

	b.mu.Lock()
	recs := make([]*Record, 0, len(b.byKey))
	for _, rec := range b.byKey {
		recs = append(recs, rec.Clone())
	}
	b.mu.Unlock()

	slices.SortFunc(recs, func(a, c *Record) (res int) {
		return strings.Compare(a.Network+"/"+a.IP.String(), c.Network+"/"+c.IP.String())
	})

	snap := &recordSnapshot{Records: recs, Version: snapshotVersion}
	buf, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding: %w", err)
	}

	err = maybe.WriteFile(path, buf, snapshotPerm)
	if err != nil {
		return fmt.Errorf("writing: %w", err)
	}

	b.logger.InfoContext(ctx, "exported snapshot", "num", len(recs), "file", path)

	return nil
}

// ImportSnapshot seeds b's in-memory index and database from the snapshot
// at path.  It is a no-op if path doesn't exist, so that a node may be
// pointed at a snapshot path that hasn't been written yet.
func (b *LocalBackend) ImportSnapshot(ctx context.Context, path string) (err error) {
	defer func() { err = errors.Annotate(err, "importing snapshot: %w") }()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.logger.DebugContext(ctx, "no snapshot file found", "file", path)

			return nil
		}

		return fmt.Errorf("reading: %w", err)
	}

	snap := &recordSnapshot{}
	err = json.Unmarshal(data, snap)
	if err != nil {
		return fmt.Errorf("decoding: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range snap.Records {
		key := recordKey{network: rec.Network, ip: rec.IP}

		err = b.persist(rec)
		if err != nil {
			return fmt.Errorf("persisting %s: %w", key, err)
		}

		b.byKey[key] = rec
		if !rec.State.IsFree() {
			b.byIdent[identityKey{network: rec.Network, identity: rec.Identity}] = key
		}
	}

	b.logger.InfoContext(ctx, "imported snapshot", "num", len(snap.Records), "file", path)

	return nil
}
