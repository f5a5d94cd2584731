package changeset

// Store persists change set history per conversation. Implementations are
// expected to serialize calls for a given conversation at a higher level;
// the ledger does read-modify-write against the same document.
type Store interface {
	LoadChangeSets(spaceID, conversationID string) ([]ChangeSet, error)
	SaveChangeSets(spaceID, conversationID string, sets []ChangeSet) error
}
