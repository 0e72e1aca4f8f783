package repo

import "github.com/ipfs/go-cid"

// CidSet is a set of CIDs used to track reachable and removed blocks
// across commits.
type CidSet struct {
	set map[cid.Cid]struct{}
}

// NewCidSet creates a set, optionally seeded with CIDs.
func NewCidSet(cids ...cid.Cid) *CidSet {
	s := &CidSet{set: make(map[cid.Cid]struct{}, len(cids))}
	for _, c := range cids {
		s.set[c] = struct{}{}
	}
	return s
}

// Add inserts a CID.
func (s *CidSet) Add(c cid.Cid) {
	s.set[c] = struct{}{}
}

// AddSet inserts every CID from another set.
func (s *CidSet) AddSet(other *CidSet) {
	for c := range other.set {
		s.set[c] = struct{}{}
	}
}

// Delete removes a CID.
func (s *CidSet) Delete(c cid.Cid) {
	delete(s.set, c)
}

// SubtractSet removes every CID present in another set.
func (s *CidSet) SubtractSet(other *CidSet) {
	for c := range other.set {
		delete(s.set, c)
	}
}

// Has reports membership.
func (s *CidSet) Has(c cid.Cid) bool {
	_, ok := s.set[c]
	return ok
}

// Size returns the number of members.
func (s *CidSet) Size() int {
	return len(s.set)
}

// ToList returns the members in unspecified order.
func (s *CidSet) ToList() []cid.Cid {
	out := make([]cid.Cid, 0, len(s.set))
	for c := range s.set {
		out = append(out, c)
	}
	return out
}
