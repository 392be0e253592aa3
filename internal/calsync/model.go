package calsync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Source string

const (
	SourceLocal   Source = "local"
	SourceGoogle  Source = "google"
	SourceOutlook Source = "outlook"
)

// AllSources lists every supported source in a stable order.
var AllSources = []Source{SourceLocal, SourceGoogle, SourceOutlook}

func ParseSource(raw string) (Source, error) {
	switch s := Source(strings.ToLower(strings.TrimSpace(raw))); s {
	case SourceLocal, SourceGoogle, SourceOutlook:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSource, raw)
	}
}

func (s Source) Valid() bool {
	_, err := ParseSource(string(s))
	return err == nil
}

type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
	StatusFailed  SyncStatus = "failed"
	StatusDeleted SyncStatus = "deleted"
)

func (s SyncStatus) Valid() bool {
	switch s {
	case StatusSynced, StatusPending, StatusFailed, StatusDeleted:
		return true
	default:
		return false
	}
}

type UnifiedEvent struct {
	ID            string    `json:"id"`
	Source        Source    `json:"source"`
	Title         string    `json:"title"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	AllDay        bool      `json:"allDay,omitempty"`
	Location      string    `json:"location,omitempty"`
	Description   string    `json:"description,omitempty"`
	Organizer     string    `json:"organizer,omitempty"`
	CalendarID    string    `json:"calendarId,omitempty"`
	CalendarName  string    `json:"calendarName,omitempty"`
	CalendarColor string    `json:"calendarColor,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
}

func (e UnifiedEvent) Key() RecordKey {
	return RecordKey{ID: e.ID, Source: e.Source}
}

func (e UnifiedEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	if !e.Source.Valid() {
		return fmt.Errorf("%w: event %s has source %q", ErrInvalidInput, e.ID, e.Source)
	}
	if e.End.Before(e.Start) {
		return fmt.Errorf("%w: event %s ends before it starts", ErrInvalidInput, e.ID)
	}
	return nil
}

// ContentHash fingerprints the provider-visible fields so rewrites of an
// unchanged event can be told apart from real edits.
func (e UnifiedEvent) ContentHash() string {
	h := sha256.New()
	for _, field := range []string{
		e.Title,
		strconv.FormatInt(e.Start.UTC().UnixNano(), 10),
		strconv.FormatInt(e.End.UTC().UnixNano(), 10),
		strconv.FormatBool(e.AllDay),
		e.Location,
		e.Description,
		e.Organizer,
		e.CalendarID,
		e.CalendarName,
		e.CalendarColor,
		strconv.FormatInt(unixNanoOrZero(e.UpdatedAt), 10),
	} {
		_, _ = h.Write([]byte(field))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type RecordKey struct {
	ID     string
	Source Source
}

func (k RecordKey) String() string {
	return string(k.Source) + "|" + k.ID
}

type CachedRecord struct {
	UnifiedEvent
	Status     SyncStatus `json:"status"`
	ModifiedAt time.Time  `json:"modifiedAt"`
	Seq        uint64     `json:"seq"`
}

type SourceSyncState struct {
	Source     Source    `json:"source"`
	LastSyncAt time.Time `json:"lastSyncAt"`
	Token      string    `json:"token,omitempty"`
	Seq        uint64    `json:"seq"`
}

type RegisteredWebhook struct {
	ID                 string    `json:"id"`
	Source             Source    `json:"source"`
	CallbackURL        string    `json:"callbackUrl"`
	ExpiresAt          time.Time `json:"expiresAt"`
	Active             bool      `json:"active"`
	ProviderResourceID string    `json:"providerResourceId,omitempty"`
	ClientState        string    `json:"clientState,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	RenewedAt          time.Time `json:"renewedAt,omitempty"`
}

type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

type WebhookEvent struct {
	Source         Source     `json:"source"`
	ChangeType     ChangeType `json:"changeType"`
	ResourceID     string     `json:"resourceId,omitempty"`
	SubscriptionID string     `json:"subscriptionId,omitempty"`
	ClientState    string     `json:"-"`
	Timestamp      time.Time  `json:"timestamp"`
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func timeFromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
