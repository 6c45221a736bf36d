package incidents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"

	"codeguard/internal/logger"
	"codeguard/pkg/models"
)

const (
	incidentPrefix = "inc/"
	subjectPrefix  = "sub/"
)

// BadgerStore persists incidents in an embedded Badger database.
// Incident ids are time-ordered, so key order is creation order.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the database at dir. An empty dir opens an in-memory database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", models.ErrStorage, err)
	}
	logger.Infof("Badger incident store initialized: %s", dir)
	return &BadgerStore{db: db}, nil
}

func incidentKey(id string) []byte {
	return []byte(incidentPrefix + id)
}

func subjectKey(subject, id string) []byte {
	return []byte(subjectPrefix + subject + "/" + id)
}

// Append implements Store.
func (s *BadgerStore) Append(ctx context.Context, inc *models.Incident) error {
	if err := validateIncident(inc); err != nil {
		return err
	}
	raw, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("%w: encode incident: %v", models.ErrStorage, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(incidentKey(inc.ID)); err == nil {
			return fmt.Errorf("%w: incident %s already exists", models.ErrConflict, inc.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(incidentKey(inc.ID), raw); err != nil {
			return err
		}
		return txn.Set(subjectKey(inc.SubjectAddress, inc.ID), nil)
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return err
		}
		return fmt.Errorf("%w: append incident %s: %v", models.ErrStorage, inc.ID, err)
	}
	return nil
}

// List implements Store, newest first.
func (s *BadgerStore) List(ctx context.Context, q Query) ([]models.Incident, error) {
	q, err := NormalizeQuery(q)
	if err != nil {
		return nil, err
	}
	out := make([]models.Incident, 0, q.Limit)
	err = s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(incidentPrefix)
		if q.Subject != "" {
			prefix = []byte(subjectPrefix + q.Subject + "/")
		}
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = q.Subject == ""
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < q.Limit; it.Next() {
			var inc models.Incident
			var err error
			if q.Subject == "" {
				err = it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &inc)
				})
			} else {
				id := string(it.Item().Key()[len(prefix):])
				err = getIncident(txn, id, &inc)
			}
			if err != nil {
				return err
			}
			out = append(out, inc)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list incidents: %v", models.ErrStorage, err)
	}
	return out, nil
}

func getIncident(txn *badger.Txn, id string, inc *models.Incident) error {
	item, err := txn.Get(incidentKey(id))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, inc)
	})
}

// Resolve implements Store.
func (s *BadgerStore) Resolve(ctx context.Context, id string, at time.Time) (*models.Incident, error) {
	var inc models.Incident
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getIncident(txn, id, &inc); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: incident %s", models.ErrNotFound, id)
			}
			return err
		}
		if inc.Resolved {
			return fmt.Errorf("%w: incident %s already resolved", models.ErrConflict, id)
		}
		inc.Resolved = true
		inc.ResolvedAt = at.UTC()
		raw, err := json.Marshal(&inc)
		if err != nil {
			return err
		}
		return txn.Set(incidentKey(id), raw)
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: resolve incident %s: %v", models.ErrStorage, id, err)
	}
	return &inc, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
