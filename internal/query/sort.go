package query

import (
	"sort"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/estuarydb/estuary/internal/record"
)

// String ordering uses a single shared collator so every adapter sorts
// identically. The und (undetermined) locale gives a stable, human-sensible
// order for mixed-language data without binding results to one locale.
var (
	collatorMu sync.Mutex
	collator   = collate.New(language.Und)
)

func collateStrings(a, b string) int {
	// collate.Collator buffers are not safe for concurrent use.
	collatorMu.Lock()
	defer collatorMu.Unlock()
	return collator.CompareString(a, b)
}

// Apply evaluates the full criteria against an already-fetched record set:
// filter, sort, then offset/limit. Adapters push what they can into their
// native query form and funnel ordering through here so results stay
// byte-identical across backends.
//
// The input slice is not modified; records in the result are shared, not
// cloned.
func Apply(c Criteria, records []*record.Record) ([]*record.Record, error) {
	matched := make([]*record.Record, 0, len(records))
	for _, r := range records {
		ok, err := c.Match(r)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, r)
		}
	}

	SortRecords(c.Sort, matched)
	return Paginate(c, matched), nil
}

// SortRecords orders records in place by the sort keys, with the record
// identity as the final tiebreak so ordering is always total.
func SortRecords(keys []SortKey, records []*record.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return lessRecords(keys, records[i], records[j])
	})
}

func lessRecords(keys []SortKey, a, b *record.Record) bool {
	for _, key := range keys {
		av, aok := a.Field(key.Field)
		bv, bok := b.Field(key.Field)

		// Absent fields sort before present ones.
		if aok != bok {
			if key.Descending {
				return aok
			}
			return !aok
		}
		if !aok {
			continue
		}

		cmp, comparable := Compare(av, bv)
		if !comparable || cmp == 0 {
			continue
		}
		if key.Descending {
			return cmp > 0
		}
		return cmp < 0
	}
	return a.ID < b.ID
}

// Paginate applies offset and limit to an already-ordered result.
func Paginate(c Criteria, records []*record.Record) []*record.Record {
	if c.Offset > 0 {
		if c.Offset >= len(records) {
			return []*record.Record{}
		}
		records = records[c.Offset:]
	}
	if c.Limit > 0 && c.Limit < len(records) {
		records = records[:c.Limit]
	}
	return records
}
