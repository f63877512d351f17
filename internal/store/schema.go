package store

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/clearhealth/claimsync/internal/domain/claim"
	"github.com/clearhealth/claimsync/internal/domain/reimbursement"
)

// partitionFile is the at-rest shape of one partition.
type partitionFile struct {
	Version  int                        `json:"version"`
	Entities map[string]json.RawMessage `json:"entities"`
}

// schemaVersions records the current schema version per partition. Loading a
// lower version runs the migration chain; a higher (unknown) version resets
// that partition to empty instead of failing the whole store.
var schemaVersions = map[string]int{
	KindMember:        1,
	KindEncounter:     2,
	KindBillable:      1,
	KindPriceSchedule: 1,
	KindDiagnosis:     1,
	KindReimbursement: 1,
}

// migrations maps partition -> from-version -> migration of one raw entity.
var migrations = map[string]map[int]func(json.RawMessage) (json.RawMessage, error){
	KindEncounter: {
		1: migrateEncounterV1,
	},
}

// migrateEncounterV1 rewrites the legacy "revised" adjudication spelling to
// the canonical "returned". Both spellings meant returned-and-superseded;
// only "returned" is stored going forward.
func migrateEncounterV1(raw json.RawMessage) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	stateRaw, ok := m["adjudication_state"]
	if !ok {
		return raw, nil
	}
	var state string
	if err := json.Unmarshal(stateRaw, &state); err != nil {
		return nil, err
	}
	if state == "revised" {
		m["adjudication_state"] = json.RawMessage(`"returned"`)
	}
	return json.Marshal(m)
}

// Load populates the store from the KV. A missing partition starts empty; a
// partition with an unrecognized version is reset to empty and reported in
// the returned error, but the remaining partitions still load.
func (s *Store) Load(ctx context.Context, kv KV) error {
	var errs []error
	for _, partition := range []string{
		KindMember, KindEncounter, KindBillable,
		KindPriceSchedule, KindDiagnosis, KindReimbursement,
	} {
		entities, err := loadPartition(ctx, kv, partition)
		if err != nil {
			s.logger.Error("partition reset to empty",
				zap.String("partition", partition), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", partition, err))
			continue
		}
		if entities == nil {
			continue
		}
		if err := s.fillPartition(partition, entities); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", partition, err))
		}
	}
	return errors.Join(errs...)
}

// loadPartition reads, version-checks and migrates one partition. A nil map
// with nil error means the partition has never been written.
func loadPartition(ctx context.Context, kv KV, partition string) (map[string]json.RawMessage, error) {
	data, err := kv.Read(ctx, partition)
	if errors.Is(err, ErrPartitionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var file partitionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode partition: %w", err)
	}

	current := schemaVersions[partition]
	if file.Version > current {
		return nil, fmt.Errorf("unrecognized schema version %d (current %d)", file.Version, current)
	}

	for v := file.Version; v < current; v++ {
		migrate, ok := migrations[partition][v]
		if !ok {
			return nil, fmt.Errorf("no migration from version %d", v)
		}
		for id, raw := range file.Entities {
			migrated, err := migrate(raw)
			if err != nil {
				return nil, fmt.Errorf("migrate %s from version %d: %w", id, v, err)
			}
			file.Entities[id] = migrated
		}
	}
	return file.Entities, nil
}

func (s *Store) fillPartition(partition string, entities map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, raw := range entities {
		switch partition {
		case KindMember:
			var m claim.Member
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode %s: %w", id, err)
			}
			s.members[m.ID] = &m
		case KindEncounter:
			var e claim.Encounter
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("decode %s: %w", id, err)
			}
			s.encounters[e.ID] = &e
		case KindBillable:
			var b claim.Billable
			if err := json.Unmarshal(raw, &b); err != nil {
				return fmt.Errorf("decode %s: %w", id, err)
			}
			s.billables[b.ID] = &b
		case KindPriceSchedule:
			var ps claim.PriceSchedule
			if err := json.Unmarshal(raw, &ps); err != nil {
				return fmt.Errorf("decode %s: %w", id, err)
			}
			s.priceSchedules[ps.ID] = &ps
		case KindDiagnosis:
			var d claim.Diagnosis
			if err := json.Unmarshal(raw, &d); err != nil {
				return fmt.Errorf("decode %s: %w", id, err)
			}
			s.diagnoses[d.ID] = &d
		case KindReimbursement:
			var r reimbursement.Reimbursement
			if err := json.Unmarshal(raw, &r); err != nil {
				return fmt.Errorf("decode %s: %w", id, err)
			}
			s.reimbursements[r.ID] = &r
		}
	}
	return nil
}

// Save writes every partition back to the KV at the current schema version.
func (s *Store) Save(ctx context.Context, kv KV) error {
	s.mu.RLock()
	files := map[string]*partitionFile{
		KindMember:        encodePartition(s.members, schemaVersions[KindMember]),
		KindEncounter:     encodePartition(s.encounters, schemaVersions[KindEncounter]),
		KindBillable:      encodePartition(s.billables, schemaVersions[KindBillable]),
		KindPriceSchedule: encodePartition(s.priceSchedules, schemaVersions[KindPriceSchedule]),
		KindDiagnosis:     encodePartition(s.diagnoses, schemaVersions[KindDiagnosis]),
		KindReimbursement: encodePartition(s.reimbursements, schemaVersions[KindReimbursement]),
	}
	s.mu.RUnlock()

	for partition, file := range files {
		data, err := json.Marshal(file)
		if err != nil {
			return fmt.Errorf("encode %s: %w", partition, err)
		}
		if err := kv.Write(ctx, partition, data); err != nil {
			return fmt.Errorf("write %s: %w", partition, err)
		}
	}
	return nil
}

func encodePartition[T any](entities map[string]T, version int) *partitionFile {
	file := &partitionFile{
		Version:  version,
		Entities: make(map[string]json.RawMessage, len(entities)),
	}
	for id, e := range entities {
		raw, err := json.Marshal(e)
		if err != nil {
			continue
		}
		file.Entities[id] = raw
	}
	return file
}
