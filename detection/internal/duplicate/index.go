package duplicate

import "github.com/leakhawk/leakhawk-stack/common/models"

// Index groups an upload's records by transaction ID and canonical key,
// keeping first-seen key order so scans are deterministic.
type Index struct {
	Records []models.Record

	byTxID         map[string][]int
	txIDOrder      []string
	byCanonical    map[string][]int
	canonicalOrder []string
}

// BuildIndex indexes records. Empty keys are not indexed.
func BuildIndex(records []models.Record) *Index {
	idx := &Index{
		Records:     records,
		byTxID:      make(map[string][]int),
		byCanonical: make(map[string][]int),
	}
	for i := range records {
		if k := records[i].TxID; k != "" {
			if _, ok := idx.byTxID[k]; !ok {
				idx.txIDOrder = append(idx.txIDOrder, k)
			}
			idx.byTxID[k] = append(idx.byTxID[k], i)
		}
		if k := records[i].CanonicalKey; k != "" {
			if _, ok := idx.byCanonical[k]; !ok {
				idx.canonicalOrder = append(idx.canonicalOrder, k)
			}
			idx.byCanonical[k] = append(idx.byCanonical[k], i)
		}
	}
	return idx
}

// Keys returns the distinct keys of kind in first-seen order.
func (idx *Index) Keys(kind models.KeyType) []string {
	if kind == models.KeyTxID {
		return idx.txIDOrder
	}
	return idx.canonicalOrder
}

// Group returns the records sharing key.
func (idx *Index) Group(kind models.KeyType, key string) []models.Record {
	m := idx.byCanonical
	if kind == models.KeyTxID {
		m = idx.byTxID
	}
	positions := m[key]
	out := make([]models.Record, len(positions))
	for i, p := range positions {
		out[i] = idx.Records[p]
	}
	return out
}

// KeyOf returns the record's key of kind.
func KeyOf(rec *models.Record, kind models.KeyType) string {
	if kind == models.KeyTxID {
		return rec.TxID
	}
	return rec.CanonicalKey
}
