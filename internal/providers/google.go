package providers

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/agentworkforce/calsync/internal/calsync"
)

const defaultGoogleBaseURL = "https://www.googleapis.com/calendar/v3"

type GoogleOptions struct {
	BaseURL       string
	CalendarID    string
	CalendarName  string
	CalendarColor string
	Tokens        TokenSource
	PageSize      int
	HTTP          HTTPOptions
	NewChannelID  func() string
}

// GoogleAdapter reads one Google calendar through the Calendar v3 REST API
// and manages push channels for it.
type GoogleAdapter struct {
	client        *resty.Client
	calendarID    string
	calendarName  string
	calendarColor string
	tokens        TokenSource
	pageSize      int
	newChannelID  func() string
}

func NewGoogleAdapter(opts GoogleOptions) *GoogleAdapter {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = defaultGoogleBaseURL
	}
	calendarID := strings.TrimSpace(opts.CalendarID)
	if calendarID == "" {
		calendarID = "primary"
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 250
	}
	newChannelID := opts.NewChannelID
	if newChannelID == nil {
		newChannelID = uuid.NewString
	}
	return &GoogleAdapter{
		client:        newRESTClient(baseURL, opts.HTTP),
		calendarID:    calendarID,
		calendarName:  opts.CalendarName,
		calendarColor: opts.CalendarColor,
		tokens:        opts.Tokens,
		pageSize:      pageSize,
		newChannelID:  newChannelID,
	}
}

type googleEventList struct {
	Items         []googleEvent `json:"items"`
	NextPageToken string        `json:"nextPageToken"`
	NextSyncToken string        `json:"nextSyncToken"`
	Summary       string        `json:"summary"`
}

type googleEvent struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Summary     string          `json:"summary"`
	Description string          `json:"description"`
	Location    string          `json:"location"`
	Updated     string          `json:"updated"`
	Start       googleEventTime `json:"start"`
	End         googleEventTime `json:"end"`
	Organizer   struct {
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
	} `json:"organizer"`
}

type googleEventTime struct {
	Date     string `json:"date"`
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type googleChannel struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId,omitempty"`
	Type       string `json:"type,omitempty"`
	Address    string `json:"address,omitempty"`
	Token      string `json:"token,omitempty"`
	Expiration string `json:"expiration,omitempty"`
}

func (a *GoogleAdapter) Source() calsync.Source {
	return calsync.SourceGoogle
}

func (a *GoogleAdapter) eventsPath() string {
	return "/calendars/" + url.PathEscape(a.calendarID) + "/events"
}

// FetchAll pages through the whole calendar. A failed page fails the call.
func (a *GoogleAdapter) FetchAll(ctx context.Context) (calsync.FetchResult, error) {
	events, _, token, err := a.list(ctx, "", "fetch all")
	if err != nil {
		return calsync.FetchResult{}, err
	}
	return calsync.FetchResult{Events: events, Token: token}, nil
}

func (a *GoogleAdapter) FetchChanged(ctx context.Context, token string) (calsync.DeltaResult, error) {
	if strings.TrimSpace(token) == "" {
		return calsync.DeltaResult{}, &calsync.ProviderError{Source: a.Source(), Op: "fetch changed", Kind: calsync.ErrTokenExpired}
	}
	events, deleted, next, err := a.list(ctx, token, "fetch changed")
	if err != nil {
		return calsync.DeltaResult{}, err
	}
	return calsync.DeltaResult{Token: next, Events: events, DeletedIDs: deleted}, nil
}

func (a *GoogleAdapter) list(ctx context.Context, syncToken, op string) ([]calsync.UnifiedEvent, []string, string, error) {
	var (
		events  []calsync.UnifiedEvent
		deleted []string
		page    string
	)
	for {
		req, err := authorized(ctx, a.client, a.Source(), a.tokens)
		if err != nil {
			return nil, nil, "", err
		}
		params := map[string]string{
			"maxResults":   strconv.Itoa(a.pageSize),
			"singleEvents": "true",
		}
		if syncToken != "" {
			params["syncToken"] = syncToken
			params["showDeleted"] = "true"
		}
		if page != "" {
			params["pageToken"] = page
		}
		var out googleEventList
		resp, err := req.SetQueryParams(params).SetResult(&out).Get(a.eventsPath())
		if err := classify(a.Source(), op, resp, err); err != nil {
			return nil, nil, "", err
		}
		for _, item := range out.Items {
			if item.Status == "cancelled" {
				if syncToken != "" {
					deleted = append(deleted, item.ID)
				}
				continue
			}
			events = append(events, a.toUnified(item))
		}
		if out.NextPageToken == "" {
			return events, deleted, out.NextSyncToken, nil
		}
		page = out.NextPageToken
	}
}

func (a *GoogleAdapter) FetchOne(ctx context.Context, id string) (calsync.UnifiedEvent, error) {
	req, err := authorized(ctx, a.client, a.Source(), a.tokens)
	if err != nil {
		return calsync.UnifiedEvent{}, err
	}
	var out googleEvent
	resp, err := req.SetResult(&out).Get(a.eventsPath() + "/" + url.PathEscape(id))
	if err := classify(a.Source(), "fetch one", resp, err); err != nil {
		// events.get answers 410 for events that were deleted.
		if errors.Is(err, calsync.ErrTokenExpired) {
			return calsync.UnifiedEvent{}, &calsync.ProviderError{Source: a.Source(), Op: "fetch one", StatusCode: resp.StatusCode(), Kind: calsync.ErrNotFound}
		}
		return calsync.UnifiedEvent{}, err
	}
	if out.Status == "cancelled" {
		return calsync.UnifiedEvent{}, &calsync.ProviderError{Source: a.Source(), Op: "fetch one", Kind: calsync.ErrNotFound}
	}
	return a.toUnified(out), nil
}

func (a *GoogleAdapter) Subscribe(ctx context.Context, sub calsync.SubscribeRequest) (calsync.Subscription, error) {
	req, err := authorized(ctx, a.client, a.Source(), a.tokens)
	if err != nil {
		return calsync.Subscription{}, err
	}
	body := googleChannel{
		ID:      a.newChannelID(),
		Type:    "web_hook",
		Address: sub.CallbackURL,
		Token:   sub.ClientState,
	}
	if !sub.ExpiresAt.IsZero() {
		body.Expiration = strconv.FormatInt(sub.ExpiresAt.UnixMilli(), 10)
	}
	var out googleChannel
	resp, err := req.SetBody(body).SetResult(&out).Post(a.eventsPath() + "/watch")
	if err := classify(a.Source(), "watch", resp, err); err != nil {
		return calsync.Subscription{}, err
	}
	id := out.ID
	if id == "" {
		id = body.ID
	}
	return calsync.Subscription{
		ID:                 id,
		ProviderResourceID: out.ResourceID,
		ExpiresAt:          parseMillis(out.Expiration),
	}, nil
}

// Renew opens a new channel and stops the old one; Google channels cannot
// be extended in place.
func (a *GoogleAdapter) Renew(ctx context.Context, hook calsync.RegisteredWebhook, expiresAt time.Time) (calsync.Subscription, error) {
	next, err := a.Subscribe(ctx, calsync.SubscribeRequest{
		CallbackURL: hook.CallbackURL,
		ClientState: hook.ClientState,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return calsync.Subscription{}, err
	}
	// A channel that fails to stop still expires on its own.
	_ = a.Unsubscribe(ctx, hook)
	return next, nil
}

func (a *GoogleAdapter) Unsubscribe(ctx context.Context, hook calsync.RegisteredWebhook) error {
	req, err := authorized(ctx, a.client, a.Source(), a.tokens)
	if err != nil {
		return err
	}
	resp, err := req.SetBody(googleChannel{ID: hook.ID, ResourceID: hook.ProviderResourceID}).Post("/channels/stop")
	return classify(a.Source(), "stop channel", resp, err)
}

func (a *GoogleAdapter) toUnified(item googleEvent) calsync.UnifiedEvent {
	start, allDay := parseGoogleTime(item.Start)
	end, _ := parseGoogleTime(item.End)
	organizer := item.Organizer.DisplayName
	if organizer == "" {
		organizer = item.Organizer.Email
	}
	updated, _ := time.Parse(time.RFC3339Nano, item.Updated)
	return calsync.UnifiedEvent{
		ID:            item.ID,
		Source:        calsync.SourceGoogle,
		Title:         item.Summary,
		Start:         start,
		End:           end,
		AllDay:        allDay,
		Location:      item.Location,
		Description:   item.Description,
		Organizer:     organizer,
		CalendarID:    a.calendarID,
		CalendarName:  a.calendarName,
		CalendarColor: a.calendarColor,
		UpdatedAt:     updated.UTC(),
	}
}

func parseGoogleTime(t googleEventTime) (time.Time, bool) {
	if t.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339Nano, t.DateTime)
		if err == nil {
			return parsed.UTC(), false
		}
	}
	if t.Date != "" {
		loc := time.UTC
		if t.TimeZone != "" {
			if l, err := time.LoadLocation(t.TimeZone); err == nil {
				loc = l
			}
		}
		parsed, err := time.ParseInLocation("2006-01-02", t.Date, loc)
		if err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
