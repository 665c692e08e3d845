package storage

import (
	"fmt"

	"github.com/ValentinKolb/docDB/lib/docs"
	"github.com/ValentinKolb/docDB/lib/engine"
)

// --------------------------------------------------------------------------
// Schema Versions
// --------------------------------------------------------------------------

const (
	// SchemaVersion10 stored documents without a secondary collection index.
	SchemaVersion10 = "1.0"
	// SchemaVersion11 introduced the collection index table.
	SchemaVersion11 = "1.1"
	// SchemaVersion12 introduced the document-count aggregation.
	SchemaVersion12 = "1.2"

	// CurrentSchemaVersion is the schema tag this build writes and expects.
	CurrentSchemaVersion = SchemaVersion12
)

// --------------------------------------------------------------------------
// Upgrader Interface
// --------------------------------------------------------------------------

// ISchemaUpgrader migrates the on-disk structures from exactly one source
// version to its successor. The chain is strictly linear: each version has at
// most one successor upgrader.
//
// Upgrade must rewrite the persisted schema tag itself (via WriteSchemaTag)
// so a crash between upgraders leaves a tag the chain can resume from.
type ISchemaUpgrader interface {
	// FromVersion returns the source schema tag this upgrader applies to.
	FromVersion() string

	// Upgrade mutates the on-disk structures inside tx and rewrites the
	// schema tag. stamps is the active version-stamp generator of the
	// storage handle, for upgraders that create new document revisions.
	Upgrade(tx engine.Tx, stamps *docs.ETagSource) error
}

// DefaultUpgraders returns the shipped upgrade chain, ordered by source
// version.
func DefaultUpgraders() []ISchemaUpgrader {
	return []ISchemaUpgrader{
		&collectionIndexUpgrader{},
		&docCountUpgrader{},
	}
}

// --------------------------------------------------------------------------
// Chain Runner
// --------------------------------------------------------------------------

// runSchemaChain reads the persisted schema tag and applies upgraders until
// it matches expected. Called once from Initialize, before any batch.
func (s *Storage) runSchemaChain(expected string) error {
	registry := make(map[string]ISchemaUpgrader, len(s.opts.Upgraders))
	for _, up := range s.opts.Upgraders {
		registry[up.FromVersion()] = up
	}

	for {
		current, err := s.readSchemaTag()
		if err != nil {
			return err
		}
		if current == expected {
			return nil
		}

		up, ok := registry[current]
		if !ok {
			return NewError(RetCSchemaMismatch, fmt.Sprintf(
				"database %s has schema version %q but this build expects %q and ships no upgrade path; "+
					"migrate the data with a compatible docDB release or discard the data directory",
				s.opts.Path, current, expected))
		}

		log.Infof("%s: upgrading schema of %s from version %q", s.prefix, s.opts.Path, current)
		if err := s.eng.Update(func(tx engine.Tx) error {
			return up.Upgrade(tx, s.etags)
		}); err != nil {
			return WrapError(RetCInternalError, fmt.Sprintf("schema upgrade from %q", current), err)
		}

		after, err := s.readSchemaTag()
		if err != nil {
			return err
		}
		if after == current {
			return NewError(RetCInternalError, fmt.Sprintf(
				"schema upgrader for %q did not advance the persisted tag", current))
		}
	}
}

// readSchemaTag reads the persisted schema tag from the identity record.
func (s *Storage) readSchemaTag() (string, error) {
	var tag string
	err := s.eng.View(func(tx engine.Tx) error {
		raw, ok := tx.Get(tableSystem, keyDetails)
		if !ok {
			return fmt.Errorf("identity record missing")
		}
		details, err := decodeDetails(raw)
		if err != nil {
			return err
		}
		tag = details.SchemaVersion
		return nil
	})
	if err != nil {
		return "", WrapError(RetCInternalError, "read schema tag", err)
	}
	return tag, nil
}

// WriteSchemaTag rewrites the persisted schema tag inside tx, keeping the
// database identity untouched. Intended for use by upgraders.
func WriteSchemaTag(tx engine.Tx, tag string) error {
	raw, ok := tx.Get(tableSystem, keyDetails)
	if !ok {
		return fmt.Errorf("identity record missing")
	}
	details, err := decodeDetails(raw)
	if err != nil {
		return err
	}
	details.SchemaVersion = tag
	return tx.Put(tableSystem, keyDetails, encodeDetails(details))
}

// --------------------------------------------------------------------------
// Shipped Upgraders
// --------------------------------------------------------------------------

// collectionIndexUpgrader backfills the collection index ("1.0" -> "1.1").
type collectionIndexUpgrader struct{}

func (u *collectionIndexUpgrader) FromVersion() string { return SchemaVersion10 }

func (u *collectionIndexUpgrader) Upgrade(tx engine.Tx, _ *docs.ETagSource) error {
	if err := tx.CreateTable(tableCollections); err != nil {
		return err
	}
	err := tx.ForEach(tableDocuments, func(key, value []byte) error {
		meta, err := docs.DecodeMetadata(value)
		if err != nil {
			return fmt.Errorf("document %q: %w", key, err)
		}
		if meta.Collection == "" {
			return nil
		}
		return tx.Put(tableCollections, collectionIndexKey(meta.Collection, string(key)), []byte{})
	})
	if err != nil {
		return err
	}
	return WriteSchemaTag(tx, SchemaVersion11)
}

// docCountUpgrader seeds the document-count aggregation ("1.1" -> "1.2").
type docCountUpgrader struct{}

func (u *docCountUpgrader) FromVersion() string { return SchemaVersion11 }

func (u *docCountUpgrader) Upgrade(tx engine.Tx, _ *docs.ETagSource) error {
	var count uint64
	err := tx.ForEach(tableDocuments, func(key, value []byte) error {
		count++
		return nil
	})
	if err != nil {
		return err
	}
	if err := tx.Put(tableSystem, keyDocCount, encodeUint64(count)); err != nil {
		return err
	}
	return WriteSchemaTag(tx, SchemaVersion12)
}

// collectionIndexKey builds the composite key of a collection index entry.
func collectionIndexKey(collection, key string) string {
	return collection + "\x00" + key
}
