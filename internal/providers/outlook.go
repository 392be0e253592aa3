package providers

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/agentworkforce/calsync/internal/calsync"
)

const defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

type OutlookOptions struct {
	BaseURL string
	// CalendarID selects a calendar; empty means the default calendar.
	CalendarID    string
	CalendarName  string
	CalendarColor string
	Tokens        TokenSource
	PageSize      int
	HTTP          HTTPOptions
}

// OutlookAdapter reads one Outlook calendar through Microsoft Graph delta
// queries and manages Graph change subscriptions.
type OutlookAdapter struct {
	client        *resty.Client
	calendarID    string
	calendarName  string
	calendarColor string
	tokens        TokenSource
	pageSize      int
}

func NewOutlookAdapter(opts OutlookOptions) *OutlookAdapter {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &OutlookAdapter{
		client:        newRESTClient(baseURL, opts.HTTP),
		calendarID:    strings.TrimSpace(opts.CalendarID),
		calendarName:  opts.CalendarName,
		calendarColor: opts.CalendarColor,
		tokens:        opts.Tokens,
		pageSize:      pageSize,
	}
}

type graphDeltaPage struct {
	Value     []graphEvent `json:"value"`
	NextLink  string       `json:"@odata.nextLink"`
	DeltaLink string       `json:"@odata.deltaLink"`
}

type graphEvent struct {
	ID                   string         `json:"id"`
	Subject              string         `json:"subject"`
	BodyPreview          string         `json:"bodyPreview"`
	IsAllDay             bool           `json:"isAllDay"`
	IsCancelled          bool           `json:"isCancelled"`
	LastModifiedDateTime string         `json:"lastModifiedDateTime"`
	Start                graphDateTime  `json:"start"`
	End                  graphDateTime  `json:"end"`
	Location             graphLocation  `json:"location"`
	Organizer            graphRecipient `json:"organizer"`
	Removed              *struct {
		Reason string `json:"reason"`
	} `json:"@removed,omitempty"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphRecipient struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}

func (a *OutlookAdapter) Source() calsync.Source {
	return calsync.SourceOutlook
}

func (a *OutlookAdapter) calendarPath() string {
	if a.calendarID == "" {
		return "/me/calendar"
	}
	return "/me/calendars/" + url.PathEscape(a.calendarID)
}

func (a *OutlookAdapter) FetchAll(ctx context.Context) (calsync.FetchResult, error) {
	events, _, deltaLink, err := a.delta(ctx, a.calendarPath()+"/events/delta", "fetch all")
	if err != nil {
		return calsync.FetchResult{}, err
	}
	return calsync.FetchResult{Events: events, Token: deltaLink}, nil
}

// FetchChanged resumes from a delta link returned by an earlier call.
func (a *OutlookAdapter) FetchChanged(ctx context.Context, token string) (calsync.DeltaResult, error) {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, "http://") && !strings.HasPrefix(token, "https://") {
		return calsync.DeltaResult{}, &calsync.ProviderError{Source: a.Source(), Op: "fetch changed", Kind: calsync.ErrTokenExpired}
	}
	events, deleted, deltaLink, err := a.delta(ctx, token, "fetch changed")
	if err != nil {
		return calsync.DeltaResult{}, err
	}
	return calsync.DeltaResult{Token: deltaLink, Events: events, DeletedIDs: deleted}, nil
}

// delta follows nextLink pages until Graph hands out a deltaLink.
func (a *OutlookAdapter) delta(ctx context.Context, link, op string) ([]calsync.UnifiedEvent, []string, string, error) {
	var (
		events  []calsync.UnifiedEvent
		deleted []string
	)
	for {
		req, err := authorized(ctx, a.client, a.Source(), a.tokens)
		if err != nil {
			return nil, nil, "", err
		}
		req.SetHeader("Prefer", `outlook.timezone="UTC", odata.maxpagesize=`+strconv.Itoa(a.pageSize))
		var page graphDeltaPage
		resp, err := req.SetResult(&page).Get(link)
		if err := classify(a.Source(), op, resp, err); err != nil {
			return nil, nil, "", err
		}
		for _, item := range page.Value {
			if item.Removed != nil || item.IsCancelled {
				deleted = append(deleted, item.ID)
				continue
			}
			events = append(events, a.toUnified(item))
		}
		if page.NextLink != "" {
			link = page.NextLink
			continue
		}
		return events, deleted, page.DeltaLink, nil
	}
}

func (a *OutlookAdapter) FetchOne(ctx context.Context, id string) (calsync.UnifiedEvent, error) {
	req, err := authorized(ctx, a.client, a.Source(), a.tokens)
	if err != nil {
		return calsync.UnifiedEvent{}, err
	}
	req.SetHeader("Prefer", `outlook.timezone="UTC"`)
	var out graphEvent
	resp, err := req.SetResult(&out).Get("/me/events/" + url.PathEscape(id))
	if err := classify(a.Source(), "fetch one", resp, err); err != nil {
		return calsync.UnifiedEvent{}, err
	}
	if out.IsCancelled {
		return calsync.UnifiedEvent{}, &calsync.ProviderError{Source: a.Source(), Op: "fetch one", Kind: calsync.ErrNotFound}
	}
	return a.toUnified(out), nil
}

func (a *OutlookAdapter) Subscribe(ctx context.Context, sub calsync.SubscribeRequest) (calsync.Subscription, error) {
	req, err := authorized(ctx, a.client, a.Source(), a.tokens)
	if err != nil {
		return calsync.Subscription{}, err
	}
	body := graphSubscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    sub.CallbackURL,
		Resource:           a.calendarPath() + "/events",
		ExpirationDateTime: sub.ExpiresAt.UTC().Format(time.RFC3339),
		ClientState:        sub.ClientState,
	}
	var out graphSubscription
	resp, err := req.SetBody(body).SetResult(&out).Post("/subscriptions")
	if err := classify(a.Source(), "create subscription", resp, err); err != nil {
		return calsync.Subscription{}, err
	}
	return calsync.Subscription{ID: out.ID, ExpiresAt: parseRFC3339(out.ExpirationDateTime)}, nil
}

func (a *OutlookAdapter) Renew(ctx context.Context, hook calsync.RegisteredWebhook, expiresAt time.Time) (calsync.Subscription, error) {
	req, err := authorized(ctx, a.client, a.Source(), a.tokens)
	if err != nil {
		return calsync.Subscription{}, err
	}
	var out graphSubscription
	resp, err := req.
		SetBody(graphSubscription{ExpirationDateTime: expiresAt.UTC().Format(time.RFC3339)}).
		SetResult(&out).
		Patch("/subscriptions/" + url.PathEscape(hook.ID))
	if err := classify(a.Source(), "renew subscription", resp, err); err != nil {
		return calsync.Subscription{}, err
	}
	id := out.ID
	if id == "" {
		id = hook.ID
	}
	return calsync.Subscription{ID: id, ExpiresAt: parseRFC3339(out.ExpirationDateTime)}, nil
}

func (a *OutlookAdapter) Unsubscribe(ctx context.Context, hook calsync.RegisteredWebhook) error {
	req, err := authorized(ctx, a.client, a.Source(), a.tokens)
	if err != nil {
		return err
	}
	resp, err := req.Delete("/subscriptions/" + url.PathEscape(hook.ID))
	return classify(a.Source(), "delete subscription", resp, err)
}

func (a *OutlookAdapter) toUnified(item graphEvent) calsync.UnifiedEvent {
	organizer := item.Organizer.EmailAddress.Name
	if organizer == "" {
		organizer = item.Organizer.EmailAddress.Address
	}
	return calsync.UnifiedEvent{
		ID:            item.ID,
		Source:        calsync.SourceOutlook,
		Title:         item.Subject,
		Start:         parseGraphTime(item.Start),
		End:           parseGraphTime(item.End),
		AllDay:        item.IsAllDay,
		Location:      item.Location.DisplayName,
		Description:   item.BodyPreview,
		Organizer:     organizer,
		CalendarID:    a.calendarID,
		CalendarName:  a.calendarName,
		CalendarColor: a.calendarColor,
		UpdatedAt:     parseRFC3339(item.LastModifiedDateTime),
	}
}

// parseGraphTime reads Graph's zone-less dateTime in the accompanying zone.
func parseGraphTime(t graphDateTime) time.Time {
	raw := strings.TrimSpace(t.DateTime)
	if raw == "" {
		return time.Time{}
	}
	loc := time.UTC
	if zone := strings.TrimSpace(t.TimeZone); zone != "" && !strings.EqualFold(zone, "UTC") {
		if l, err := time.LoadLocation(zone); err == nil {
			loc = l
		}
	}
	for _, layout := range []string{"2006-01-02T15:04:05.9999999", time.RFC3339Nano} {
		if parsed, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func parseRFC3339(raw string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}
