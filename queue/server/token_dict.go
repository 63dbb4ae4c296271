package server

// DictChange is a pending write to an affinity or group dictionary table.
type DictChange struct {
	ID      uint32
	Token   string
	Deleted bool
}

// tokenDict interns tokens to ids for the affinity and group registries.
// It is not safe for concurrent use; callers hold their own lock.
//
// Ids come from a counter that only moves forward, so a deleted id is not
// handed out again until the dictionary is reloaded from storage.
type tokenDict struct {
	ids     map[string]uint32
	tokens  map[uint32]string
	lastID  uint32
	journal []DictChange
}

func newTokenDict() tokenDict {
	return tokenDict{
		ids:    make(map[string]uint32),
		tokens: make(map[uint32]string),
	}
}

func (d *tokenDict) lookup(token string) (uint32, bool) {
	id, ok := d.ids[token]
	return id, ok
}

func (d *tokenDict) token(id uint32) string {
	return d.tokens[id]
}

// add allocates a new id for token and journals the insert.
func (d *tokenDict) add(token string) uint32 {
	d.lastID++
	if d.lastID == 0 {
		d.lastID = 1
	}
	id := d.lastID
	d.ids[token] = id
	d.tokens[id] = token
	d.journal = append(d.journal, DictChange{ID: id, Token: token})
	return id
}

// load registers a persisted entry without journaling it.
func (d *tokenDict) load(id uint32, token string) {
	d.ids[token] = id
	d.tokens[id] = token
	if id > d.lastID {
		d.lastID = id
	}
}

func (d *tokenDict) remove(id uint32) {
	token, ok := d.tokens[id]
	if !ok {
		return
	}
	delete(d.tokens, id)
	delete(d.ids, token)
	d.journal = append(d.journal, DictChange{ID: id, Token: token, Deleted: true})
}

func (d *tokenDict) drain() []DictChange {
	out := d.journal
	d.journal = nil
	return out
}

// pending returns a copy of the journal. Entries stay journaled until
// ack confirms they were stored.
func (d *tokenDict) pending() []DictChange {
	if len(d.journal) == 0 {
		return nil
	}
	return append([]DictChange(nil), d.journal...)
}

// ack drops the n oldest journal entries.
func (d *tokenDict) ack(n int) {
	if n >= len(d.journal) {
		d.journal = nil
		return
	}
	d.journal = append([]DictChange(nil), d.journal[n:]...)
}

// reset forgets every entry. The id counter is kept so ids stay unique
// for the rest of the process.
func (d *tokenDict) reset() {
	d.ids = make(map[string]uint32)
	d.tokens = make(map[uint32]string)
	d.journal = nil
}

func (d *tokenDict) len() int {
	return len(d.tokens)
}
