package importer

import (
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/lysyi3m/job-comb/app/database"
	"github.com/lysyi3m/job-comb/app/dedup"
	"github.com/lysyi3m/job-comb/app/feed"
)

func parseLine(line string) (*feed.Record, error) {
	var rec feed.Record
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return nil, errors.Wrap(err, "malformed corpus line")
	}
	if rec.Identifier == "" {
		return nil, errors.New("record has no identifier")
	}
	if rec.ContentHash == "" {
		rec.ContentHash = rec.ComputeHash()
	}
	return &rec, nil
}

func toInput(rec feed.Record) (database.RecordInput, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return database.RecordInput{}, errors.Wrapf(err, "failed to encode record %q", rec.Identifier)
	}
	return database.RecordInput{
		Identifier:  rec.Identifier,
		Source:      rec.Source,
		Title:       rec.Title,
		Company:     rec.Company,
		Location:    rec.Location,
		Description: rec.Description,
		Payload:     payload,
		ContentHash: rec.ContentHash,
	}, nil
}

// RecordFromStore rebuilds the normalized record behind a store row. Rows written
// without a payload fall back to their columns.
func RecordFromStore(sr database.StoreRecord) feed.Record {
	var rec feed.Record
	if len(sr.Payload) > 0 && json.Unmarshal(sr.Payload, &rec) == nil {
		return rec
	}
	return feed.Record{
		Identifier:  sr.Identifier,
		Source:      sr.Source,
		Title:       sr.Title,
		Company:     sr.Company,
		Location:    sr.Location,
		Description: sr.Description,
		ContentHash: sr.ContentHash,
	}
}

func recordListing(rec *feed.Record) dedup.Listing {
	return dedup.Listing{
		Title:       rec.Title,
		Company:     rec.Company,
		Location:    rec.Location,
		Content:     rec.Description,
		ContentHash: rec.ContentHash,
	}
}

func storeListing(sr database.StoreRecord) dedup.Listing {
	return dedup.Listing{
		ID:          sr.ID,
		Title:       sr.Title,
		Company:     sr.Company,
		Location:    sr.Location,
		Content:     sr.Description,
		ContentHash: sr.ContentHash,
		UpdatedAt:   sr.UpdatedAt,
	}
}
