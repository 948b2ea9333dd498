package store

import (
	"encoding/json"
	"github.com/boltdb/bolt"
	"github.com/o2lab/dexslice/analyzer"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"time"
)

var resultsBucket = []byte("results")

var ErrNotFound = xerrors.New("no stored result")

// Store keeps the latest result of every rule in a bolt file, keyed by
// rule name.
type Store struct {
	db *bolt.DB
}

type Record struct {
	Rule      string           `json:"rule"`
	Pattern   string           `json:"pattern"`
	Backward  bool             `json:"backward"`
	Seeds     int              `json:"seeds"`
	Aborted   []string         `json:"aborted,omitempty"`
	Errors    []string         `json:"errors,omitempty"`
	Constants []ConstantRecord `json:"constants"`
	Findings  []FindingRecord  `json:"findings,omitempty"`
	Saved     time.Time        `json:"saved"`
}

type ConstantRecord struct {
	SearchID int    `json:"search"`
	Kind     string `json:"kind"`
	Value    string `json:"value"`
	Raw      string `json:"raw"`
	Fuzzy    int    `json:"fuzzy"`
	Line     string `json:"line"`
}

type FindingRecord struct {
	File  string   `json:"file"`
	Line  int      `json:"line"`
	Kind  string   `json:"kind"`
	Value string   `json:"value"`
	Trace []string `json:"trace"`
}

func NewRecord(rr *analyzer.RuleResult) *Record {
	cr := rr.Criterion
	r := &Record{
		Rule:     rr.Name,
		Pattern:  cr.Pattern,
		Backward: rr.Backward,
		Seeds:    len(cr.SearchIDs()),
	}
	for _, id := range cr.Aborted() {
		r.Aborted = append(r.Aborted, cr.Outcomes[id].Reason)
	}
	for _, err := range cr.Errors {
		r.Errors = append(r.Errors, err.Error())
	}
	for _, c := range cr.AllConstants() {
		r.Constants = append(r.Constants, ConstantRecord{
			SearchID: c.SearchID,
			Kind:     c.Kind.String(),
			Value:    c.Value,
			Raw:      c.Raw,
			Fuzzy:    c.Fuzzy,
			Line:     c.Line.String(),
		})
	}
	for _, f := range rr.Findings {
		fr := FindingRecord{File: f.File, Line: f.Line, Kind: f.Constant.Kind.String(), Value: f.Constant.Value}
		for _, l := range f.Trace {
			fr.Trace = append(fr.Trace, l.String())
		}
		r.Findings = append(r.Findings, fr)
	}
	return r
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resultsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("initializing %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Save(r *Record) error {
	if r.Saved.IsZero() {
		r.Saved = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return xerrors.Errorf("encoding %s: %w", r.Rule, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resultsBucket).Put([]byte(r.Rule), data)
	})
}

// SaveResult stores a record for every rule of res in one transaction.
func (s *Store) SaveResult(res *analyzer.Result) error {
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resultsBucket)
		for _, rr := range res.Rules {
			r := NewRecord(rr)
			r.Saved = now
			data, err := json.Marshal(r)
			if err != nil {
				return xerrors.Errorf("encoding %s: %w", r.Rule, err)
			}
			if err := b.Put([]byte(r.Rule), data); err != nil {
				return err
			}
			log.Debugf("Stored %d constants for %s", len(r.Constants), r.Rule)
		}
		return nil
	})
}

func (s *Store) Load(rule string) (*Record, error) {
	var r *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(resultsBucket).Get([]byte(rule))
		if data == nil {
			return xerrors.Errorf("%s: %w", rule, ErrNotFound)
		}
		r = &Record{}
		return json.Unmarshal(data, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Patterns lists the stored rule names in key order.
func (s *Store) Patterns() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(resultsBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
