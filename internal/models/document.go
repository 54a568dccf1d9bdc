package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SourceType partitions the document index.
type SourceType string

const (
	SourceChat    SourceType = "chat"
	SourceCRM     SourceType = "crm"
	SourceMeeting SourceType = "meeting"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceChat, SourceCRM, SourceMeeting:
		return true
	}
	return false
}

// ErrMalformedMetadata is returned when stored metadata cannot be decoded.
var ErrMalformedMetadata = errors.New("malformed metadata")

// Document is the unit of retrieval.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  Metadata
}

// Metadata is the typed provenance record stored next to every document.
// Chat fields are empty for CRM documents and the other way round; provider
// specific leftovers go in Extra.
type Metadata struct {
	SourceType SourceType

	// chat
	ChannelID        string
	ChannelName      string
	UserID           string
	Timestamp        string
	ThreadTimestamp  string
	Category         Tier
	DedicatedCompany string
	Entities         EntitySet
	ThreadEntities   EntitySet

	// crm
	ObjectType   string
	RecordID     string
	Title        string
	LastModified string
	AccountName  string

	IndexedAt time.Time
	Extra     map[string]string
}

// Store keys. Every key is always written so the store never sees a missing value.
const (
	KeySourceType       = "source_type"
	KeyChannelID        = "channel_id"
	KeyChannelName      = "channel_name"
	KeyUserID           = "user_id"
	KeyTimestamp        = "ts"
	KeyThreadTimestamp  = "thread_ts"
	KeyCategory         = "sync_category"
	KeyDedicatedCompany = "dedicated_company"
	KeyEntities         = "entities_json"
	KeyThreadEntities   = "thread_entities_json"
	KeyObjectType       = "object_type"
	KeyRecordID         = "record_id"
	KeyTitle            = "title"
	KeyLastModified     = "last_modified"
	KeyAccountName      = "account_name"
	KeyIndexedAt        = "indexed_at"
	extraPrefix         = "x_"
)

// Flatten serializes metadata into the scalar-only map the vector stores accept.
// Lists are JSON encoded and absent values become "".
func (m Metadata) Flatten() map[string]string {
	out := map[string]string{
		KeySourceType:       string(m.SourceType),
		KeyChannelID:        m.ChannelID,
		KeyChannelName:      m.ChannelName,
		KeyUserID:           m.UserID,
		KeyTimestamp:        m.Timestamp,
		KeyThreadTimestamp:  m.ThreadTimestamp,
		KeyCategory:         string(m.Category),
		KeyDedicatedCompany: m.DedicatedCompany,
		KeyEntities:         m.Entities.JSON(),
		KeyThreadEntities:   m.ThreadEntities.JSON(),
		KeyObjectType:       m.ObjectType,
		KeyRecordID:         m.RecordID,
		KeyTitle:            m.Title,
		KeyLastModified:     m.LastModified,
		KeyAccountName:      m.AccountName,
		KeyIndexedAt:        "",
	}
	if !m.IndexedAt.IsZero() {
		out[KeyIndexedAt] = m.IndexedAt.UTC().Format(time.RFC3339)
	}
	for k, v := range m.Extra {
		out[extraPrefix+k] = v
	}
	return out
}

// ParseMetadata is the inverse of Flatten. Unknown keys without the extra
// prefix are ignored.
func ParseMetadata(raw map[string]string) (Metadata, error) {
	m := Metadata{
		SourceType:       SourceType(raw[KeySourceType]),
		ChannelID:        raw[KeyChannelID],
		ChannelName:      raw[KeyChannelName],
		UserID:           raw[KeyUserID],
		Timestamp:        raw[KeyTimestamp],
		ThreadTimestamp:  raw[KeyThreadTimestamp],
		Category:         Tier(raw[KeyCategory]),
		DedicatedCompany: raw[KeyDedicatedCompany],
		ObjectType:       raw[KeyObjectType],
		RecordID:         raw[KeyRecordID],
		Title:            raw[KeyTitle],
		LastModified:     raw[KeyLastModified],
		AccountName:      raw[KeyAccountName],
	}
	var err error
	if m.Entities, err = ParseEntitySet(raw[KeyEntities]); err != nil {
		return m, fmt.Errorf("%s: %w", KeyEntities, err)
	}
	if m.ThreadEntities, err = ParseEntitySet(raw[KeyThreadEntities]); err != nil {
		return m, fmt.Errorf("%s: %w", KeyThreadEntities, err)
	}
	if ts := raw[KeyIndexedAt]; ts != "" {
		if t, perr := time.Parse(time.RFC3339, ts); perr == nil {
			m.IndexedAt = t
		}
	}
	for k, v := range raw {
		if strings.HasPrefix(k, extraPrefix) {
			if m.Extra == nil {
				m.Extra = make(map[string]string)
			}
			m.Extra[strings.TrimPrefix(k, extraPrefix)] = v
		}
	}
	return m, nil
}

// EntitySet holds entity mentions in first-seen order.
type EntitySet struct {
	Companies     []string `json:"companies"`
	Contacts      []string `json:"contacts"`
	Opportunities []string `json:"opportunities"`
}

func (e EntitySet) Empty() bool {
	return len(e.Companies) == 0 && len(e.Contacts) == 0 && len(e.Opportunities) == 0
}

// AddCompany appends name unless it is already present. It reports whether
// the set changed.
func (e *EntitySet) AddCompany(name string) bool { return addUnique(&e.Companies, name) }

func (e *EntitySet) AddContact(name string) bool { return addUnique(&e.Contacts, name) }

func (e *EntitySet) AddOpportunity(name string) bool { return addUnique(&e.Opportunities, name) }

// Merge unions other into e without reordering existing members.
func (e *EntitySet) Merge(other EntitySet) {
	for _, c := range other.Companies {
		e.AddCompany(c)
	}
	for _, c := range other.Contacts {
		e.AddContact(c)
	}
	for _, o := range other.Opportunities {
		e.AddOpportunity(o)
	}
}

// Clone returns a deep copy.
func (e EntitySet) Clone() EntitySet {
	var out EntitySet
	out.Merge(e)
	return out
}

// HasCompany reports whether name (case-insensitive) is in the set.
func (e EntitySet) HasCompany(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, c := range e.Companies {
		if strings.ToLower(c) == name {
			return true
		}
	}
	return false
}

// Sorted returns a copy with each list sorted, for stable comparisons.
func (e EntitySet) Sorted() EntitySet {
	out := e.Clone()
	sort.Strings(out.Companies)
	sort.Strings(out.Contacts)
	sort.Strings(out.Opportunities)
	return out
}

// JSON encodes the set. An empty set encodes as "".
func (e EntitySet) JSON() string {
	if e.Empty() {
		return ""
	}
	b, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return string(b)
}

// ParseEntitySet decodes the output of JSON.
func ParseEntitySet(s string) (EntitySet, error) {
	var e EntitySet
	if strings.TrimSpace(s) == "" {
		return e, nil
	}
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return EntitySet{}, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	return e, nil
}

func addUnique(list *[]string, v string) bool {
	if v == "" {
		return false
	}
	for _, existing := range *list {
		if existing == v {
			return false
		}
	}
	*list = append(*list, v)
	return true
}
