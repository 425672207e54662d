// Package cache holds the process-wide, read-through lookup tables the sync
// and conversation engines use to avoid re-querying the internal store for
// every row. Each map is lazily populated on first use and explicitly
// resettable; staleness is tolerated only as false negatives (a cache miss
// that forces a redundant lookup), never as false positives.
package cache

import (
	"database/sql"
	"fmt"
)

type state int

const (
	empty state = iota
	loaded
)

// Cache is constructed once per process and passed explicitly to the
// components that read and mutate it, rather than living as package-level
// globals.
type Cache struct {
	contactByIdentifier state
	contactByIdentifierMap map[string]int64

	messageIDByGUID    state
	messageIDByGUIDMap map[string]int64

	chatIDByIdentifier    state
	chatIDByIdentifierMap map[string]int64

	groupChatIDByDisplayName    state
	groupChatIDByDisplayNameMap map[string]int64

	reactionGUIDs    state
	reactionGUIDsSet map[string]struct{}

	attachmentGUIDs    state
	attachmentGUIDsSet map[string]struct{}

	sourceParticipantsByChatID    state
	sourceParticipantsByChatIDMap map[int64]string
}

// New returns an empty, unpopulated cache.
func New() *Cache {
	return &Cache{}
}

// ResetAll clears every map and marks every cache empty, forcing the next
// read to repopulate from the store.
func (c *Cache) ResetAll() {
	*c = Cache{}
}

// ContactByIdentifier returns the contact id for a canonical identifier,
// populating the cache from the store on first call.
func (c *Cache) ContactByIdentifier(db *sql.DB, identifier string) (int64, bool, error) {
	if c.contactByIdentifier != loaded {
		if err := c.loadContacts(db); err != nil {
			return 0, false, err
		}
	}
	id, ok := c.contactByIdentifierMap[identifier]
	return id, ok, nil
}

// PutContact records a newly created or observed contact identifier.
func (c *Cache) PutContact(identifier string, contactID int64) {
	if c.contactByIdentifierMap == nil {
		c.contactByIdentifierMap = make(map[string]int64)
	}
	c.contactByIdentifierMap[identifier] = contactID
}

func (c *Cache) loadContacts(db *sql.DB) error {
	rows, err := db.Query(`SELECT identifier, contact_id FROM contact_identifiers`)
	if err != nil {
		return fmt.Errorf("failed to load contact cache: %w", err)
	}
	defer rows.Close()

	m := make(map[string]int64)
	for rows.Next() {
		var identifier string
		var contactID int64
		if err := rows.Scan(&identifier, &contactID); err != nil {
			return fmt.Errorf("failed to scan contact cache row: %w", err)
		}
		m[identifier] = contactID
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating contact cache: %w", err)
	}
	c.contactByIdentifierMap = m
	c.contactByIdentifier = loaded
	return nil
}

// MessageIDByGUID returns the internal message id for a source GUID.
func (c *Cache) MessageIDByGUID(db *sql.DB, guid string) (int64, bool, error) {
	if c.messageIDByGUID != loaded {
		if err := c.loadMessageGUIDs(db); err != nil {
			return 0, false, err
		}
	}
	id, ok := c.messageIDByGUIDMap[guid]
	return id, ok, nil
}

// PutMessage records a newly inserted message's id.
func (c *Cache) PutMessage(guid string, messageID int64) {
	if c.messageIDByGUIDMap == nil {
		c.messageIDByGUIDMap = make(map[string]int64)
	}
	c.messageIDByGUIDMap[guid] = messageID
}

func (c *Cache) loadMessageGUIDs(db *sql.DB) error {
	rows, err := db.Query(`SELECT guid, id FROM messages`)
	if err != nil {
		return fmt.Errorf("failed to load message cache: %w", err)
	}
	defer rows.Close()

	m := make(map[string]int64)
	for rows.Next() {
		var guid string
		var id int64
		if err := rows.Scan(&guid, &id); err != nil {
			return fmt.Errorf("failed to scan message cache row: %w", err)
		}
		m[guid] = id
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating message cache: %w", err)
	}
	c.messageIDByGUIDMap = m
	c.messageIDByGUID = loaded
	return nil
}

// ChatIDByIdentifier returns the chat id for a chat-identifier string.
func (c *Cache) ChatIDByIdentifier(db *sql.DB, identifier string) (int64, bool, error) {
	if c.chatIDByIdentifier != loaded {
		if err := c.loadChats(db); err != nil {
			return 0, false, err
		}
	}
	id, ok := c.chatIDByIdentifierMap[identifier]
	return id, ok, nil
}

// PutChat records a newly created chat's id.
func (c *Cache) PutChat(identifier string, chatID int64) {
	if c.chatIDByIdentifierMap == nil {
		c.chatIDByIdentifierMap = make(map[string]int64)
	}
	c.chatIDByIdentifierMap[identifier] = chatID
}

func (c *Cache) loadChats(db *sql.DB) error {
	rows, err := db.Query(`SELECT chat_identifier, id FROM chats`)
	if err != nil {
		return fmt.Errorf("failed to load chat cache: %w", err)
	}
	defer rows.Close()

	m := make(map[string]int64)
	for rows.Next() {
		var identifier string
		var id int64
		if err := rows.Scan(&identifier, &id); err != nil {
			return fmt.Errorf("failed to scan chat cache row: %w", err)
		}
		m[identifier] = id
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating chat cache: %w", err)
	}
	c.chatIDByIdentifierMap = m
	c.chatIDByIdentifier = loaded
	return nil
}

// GroupChatIDByDisplayName returns the chat id of a group chat matched by
// its human display name.
func (c *Cache) GroupChatIDByDisplayName(db *sql.DB, displayName string) (int64, bool, error) {
	if c.groupChatIDByDisplayName != loaded {
		if err := c.loadGroupChats(db); err != nil {
			return 0, false, err
		}
	}
	id, ok := c.groupChatIDByDisplayNameMap[displayName]
	return id, ok, nil
}

// PutGroupChatDisplayName records a group chat's display name to id mapping.
func (c *Cache) PutGroupChatDisplayName(displayName string, chatID int64) {
	if displayName == "" {
		return
	}
	if c.groupChatIDByDisplayNameMap == nil {
		c.groupChatIDByDisplayNameMap = make(map[string]int64)
	}
	c.groupChatIDByDisplayNameMap[displayName] = chatID
}

func (c *Cache) loadGroupChats(db *sql.DB) error {
	rows, err := db.Query(`SELECT display_name, id FROM chats WHERE is_group = 1 AND display_name != ''`)
	if err != nil {
		return fmt.Errorf("failed to load group chat cache: %w", err)
	}
	defer rows.Close()

	m := make(map[string]int64)
	for rows.Next() {
		var displayName string
		var id int64
		if err := rows.Scan(&displayName, &id); err != nil {
			return fmt.Errorf("failed to scan group chat cache row: %w", err)
		}
		m[displayName] = id
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating group chat cache: %w", err)
	}
	c.groupChatIDByDisplayNameMap = m
	c.groupChatIDByDisplayName = loaded
	return nil
}

// HasReaction reports whether guid is already a known reaction.
func (c *Cache) HasReaction(db *sql.DB, guid string) (bool, error) {
	if c.reactionGUIDs != loaded {
		if err := c.loadReactionGUIDs(db); err != nil {
			return false, err
		}
	}
	_, ok := c.reactionGUIDsSet[guid]
	return ok, nil
}

// PutReaction records a newly inserted reaction's GUID.
func (c *Cache) PutReaction(guid string) {
	if c.reactionGUIDsSet == nil {
		c.reactionGUIDsSet = make(map[string]struct{})
	}
	c.reactionGUIDsSet[guid] = struct{}{}
}

func (c *Cache) loadReactionGUIDs(db *sql.DB) error {
	rows, err := db.Query(`SELECT guid FROM reactions`)
	if err != nil {
		return fmt.Errorf("failed to load reaction cache: %w", err)
	}
	defer rows.Close()

	m := make(map[string]struct{})
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return fmt.Errorf("failed to scan reaction cache row: %w", err)
		}
		m[guid] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating reaction cache: %w", err)
	}
	c.reactionGUIDsSet = m
	c.reactionGUIDs = loaded
	return nil
}

// HasAttachment reports whether guid is already a known attachment.
func (c *Cache) HasAttachment(db *sql.DB, guid string) (bool, error) {
	if c.attachmentGUIDs != loaded {
		if err := c.loadAttachmentGUIDs(db); err != nil {
			return false, err
		}
	}
	_, ok := c.attachmentGUIDsSet[guid]
	return ok, nil
}

// PutAttachment records a newly inserted attachment's GUID.
func (c *Cache) PutAttachment(guid string) {
	if c.attachmentGUIDsSet == nil {
		c.attachmentGUIDsSet = make(map[string]struct{})
	}
	c.attachmentGUIDsSet[guid] = struct{}{}
}

func (c *Cache) loadAttachmentGUIDs(db *sql.DB) error {
	rows, err := db.Query(`SELECT guid FROM attachments`)
	if err != nil {
		return fmt.Errorf("failed to load attachment cache: %w", err)
	}
	defer rows.Close()

	m := make(map[string]struct{})
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return fmt.Errorf("failed to scan attachment cache row: %w", err)
		}
		m[guid] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating attachment cache: %w", err)
	}
	c.attachmentGUIDsSet = m
	c.attachmentGUIDs = loaded
	return nil
}

// SourceParticipants returns the cached participant-list string for a
// source chat row-id. Unlike the other caches this one is populated from
// the *source* database by the caller via Put, since the source connection
// is owned by the extractor, not the cache.
func (c *Cache) SourceParticipants(sourceChatID int64) (string, bool) {
	p, ok := c.sourceParticipantsByChatIDMap[sourceChatID]
	return p, ok
}

// PutSourceParticipants records a source chat row-id's participant list.
func (c *Cache) PutSourceParticipants(sourceChatID int64, participants string) {
	if c.sourceParticipantsByChatIDMap == nil {
		c.sourceParticipantsByChatIDMap = make(map[int64]string)
	}
	c.sourceParticipantsByChatIDMap[sourceChatID] = participants
	c.sourceParticipantsByChatID = loaded
}
