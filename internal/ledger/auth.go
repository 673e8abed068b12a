package ledger

import "github.com/google/uuid"

// Capability is an unforgeable token authorizing mutations on the store.
// Capabilities are minted from the root capability at wiring time and passed
// explicitly into every mutating call; there is no ambient caller identity.
type Capability struct {
	id uuid.UUID
}

// Grant mints a named capability. Only a holder of an already-granted
// capability (normally root) may mint new ones.
func (s *Store) Grant(by Capability, name string) (Capability, error) {
	if !s.Authorized(by) {
		return Capability{}, ErrUnauthorized
	}
	c := Capability{id: uuid.New()}
	s.grants[c.id] = name
	return c, nil
}

// Revoke removes a capability from the grant table.
func (s *Store) Revoke(by Capability, c Capability) error {
	if !s.Authorized(by) {
		return ErrUnauthorized
	}
	delete(s.grants, c.id)
	return nil
}

// Authorized reports whether c is on the grant table.
func (s *Store) Authorized(c Capability) bool {
	_, ok := s.grants[c.id]
	return ok
}

// GrantName returns the name a capability was granted under, for event
// records and logs.
func (s *Store) GrantName(c Capability) string {
	return s.grants[c.id]
}
