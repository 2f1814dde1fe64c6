// Package crm implements a Bitrix24-style incoming-webhook client:
// point operations (get/create/update deal, convert lead, append note)
// plus batch finders. Transport is net/http; see DESIGN.md for why no
// third-party HTTP client library is wired in here.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/config"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/platform/rediscache"
)

// Client talks to a single Bitrix24-style incoming webhook. rate.Limiter
// is the one intentionally shared, lock-protected object per the
// concurrency model: every round trip waits on it before dialing out.
type Client struct {
	httpClient *http.Client
	webhookURL string
	limiter    *rate.Limiter
	cache      rediscache.Cache
	cfg        config.CrmConfig
	logger     *zap.Logger
	sleep      func(time.Duration)
}

// New builds a Client against cfg.WebhookURL. cache may be nil, in
// which case batch lookups always miss and fall through to a live call.
func New(cfg config.CrmConfig, cache rediscache.Cache, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		webhookURL: strings.TrimRight(cfg.WebhookURL, "/"),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		cache:      cache,
		cfg:        cfg,
		logger:     logger,
		sleep:      time.Sleep,
	}
}

// call performs a single webhook round trip, translating transport and
// application-level failures into the SyncError taxonomy. It does not
// retry; retrying is the caller's job via withRetry.
func (c *Client) call(ctx context.Context, method string, req request) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.NewError(domain.KindCrmTransient, "rate limiter wait cancelled", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal crm request: %w", err)
	}

	url := fmt.Sprintf("%s/%s", c.webhookURL, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build crm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.NewError(domain.KindCrmTransient, fmt.Sprintf("%s: request failed", method), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewError(domain.KindCrmTransient, fmt.Sprintf("%s: failed to read response", method), err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, domain.NewError(domain.KindCrmValidation, fmt.Sprintf("%s: authentication failed (%d)", method, resp.StatusCode), nil)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.NewError(domain.KindCrmTransient, fmt.Sprintf("%s: rate limit exceeded", method), nil)
	}
	if resp.StatusCode >= 500 {
		return nil, domain.NewError(domain.KindCrmTransient, fmt.Sprintf("%s: server error (%d)", method, resp.StatusCode), nil)
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, domain.NewError(domain.KindCrmTransient, fmt.Sprintf("%s: invalid json response", method), err)
	}

	if out.Error != "" {
		if out.Error == "QUERY_LIMIT_EXCEEDED" {
			return nil, domain.NewError(domain.KindCrmTransient, fmt.Sprintf("%s: %s", method, out.ErrorDescription), nil)
		}
		return nil, domain.NewError(domain.KindCrmValidation, fmt.Sprintf("%s: %s - %s", method, out.Error, out.ErrorDescription), nil)
	}

	return &out, nil
}

// GetDeal fetches a single deal by id, used to re-verify a deal's stage
// immediately before an auto-bind update.
func (c *Client) GetDeal(ctx context.Context, dealID string) (*domain.Deal, error) {
	var deal *domain.Deal
	err := c.withRetry("get_deal", func() error {
		resp, err := c.call(ctx, "crm.deal.get", request{ID: dealID})
		if err != nil {
			return err
		}
		fields, ok := resp.Result.(map[string]interface{})
		if !ok {
			return domain.NewError(domain.KindCrmValidation, "get_deal: unexpected result shape", nil)
		}
		deal = dealFromFields(fields)
		return nil
	})
	return deal, err
}

// CreateDeal creates a fresh deal bound to contactID.
func (c *Client) CreateDeal(ctx context.Context, contactID string, rec domain.CanonicalRecord, stage domain.Stage) (string, error) {
	var dealID string
	err := c.withRetry("create_deal", func() error {
		fields := dealFieldsFromRecord(rec, stage)
		fields["CONTACT_ID"] = contactID
		resp, err := c.call(ctx, "crm.deal.add", request{Fields: fields})
		if err != nil {
			return err
		}
		dealID = fmt.Sprint(resp.Result)
		return nil
	})
	return dealID, err
}

// UpdateDeal applies rec's fields and, when stage is non-empty, the new
// stage to an existing deal. Callers pass stage.Preserve (empty) to
// leave the current stage untouched.
func (c *Client) UpdateDeal(ctx context.Context, dealID string, rec domain.CanonicalRecord, stage domain.Stage) error {
	return c.withRetry("update_deal", func() error {
		fields := dealFieldsFromRecord(rec, stage)
		if stage == "" {
			delete(fields, "STAGE_ID")
		}
		_, err := c.call(ctx, "crm.deal.update", request{ID: dealID, Fields: fields})
		return err
	})
}

// UpdateDealPlan pushes a rendered treatment-plan text and its stable
// hash onto a deal's custom fields, used by the plan projector when its
// cached hash no longer matches the source.
func (c *Client) UpdateDealPlan(ctx context.Context, dealID, renderedPlan string, hash uint64) error {
	return c.withRetry("update_deal_plan", func() error {
		_, err := c.call(ctx, "crm.deal.update", request{ID: dealID, Fields: map[string]interface{}{
			fieldTreatmentPlan:     renderedPlan,
			fieldTreatmentPlanHash: fmt.Sprintf("%x", hash),
		}})
		return err
	})
}

// ConvertLeadToDeal converts an existing lead into a deal, per
// api_client.py's convert_lead.
func (c *Client) ConvertLeadToDeal(ctx context.Context, leadID string) (domain.ConvertResult, error) {
	var out domain.ConvertResult
	err := c.withRetry("convert_lead_to_deal", func() error {
		resp, err := c.call(ctx, "crm.lead.convert", request{Fields: map[string]interface{}{
			"LEAD_ID":       leadID,
			"CREATE_DEAL":   "Y",
			"CREATE_COMPANY": "N",
		}})
		if err != nil {
			return err
		}
		fields, ok := resp.Result.(map[string]interface{})
		if !ok {
			return domain.NewError(domain.KindCrmValidation, "convert_lead_to_deal: unexpected result shape", nil)
		}
		out.DealID = fmt.Sprint(fields["DEAL_ID"])
		out.ContactID = fmt.Sprint(fields["CONTACT_ID"])
		return nil
	})
	return out, err
}

// AppendNote overwrites the deal's comment custom field with text in a
// single crm.deal.update call. This is deliberately a direct field
// update rather than a separate timeline entry, so a note never costs
// two round trips against the rate limiter.
func (c *Client) AppendNote(ctx context.Context, dealID, text string) error {
	return c.withRetry("append_note", func() error {
		_, err := c.call(ctx, "crm.deal.update", request{ID: dealID, Fields: map[string]interface{}{
			fieldComment: text,
		}})
		return err
	})
}

// CreateContact creates a new contact from a canonical record's name
// and phone, per api_client.py's create_contact.
func (c *Client) CreateContact(ctx context.Context, rec domain.CanonicalRecord) (string, error) {
	var contactID string
	err := c.withRetry("create_contact", func() error {
		first, last := splitFullName(rec.PatientFullName)
		fields := map[string]interface{}{
			"NAME":      first,
			"LAST_NAME": last,
		}
		if rec.PatientPhone != "" {
			fields["PHONE"] = []map[string]string{{"VALUE": rec.PatientPhone, "VALUE_TYPE": "MOBILE"}}
		}
		resp, err := c.call(ctx, "crm.contact.add", request{Fields: fields})
		if err != nil {
			return err
		}
		contactID = fmt.Sprint(resp.Result)
		return nil
	})
	return contactID, err
}

// SetExternalID writes only the external-id custom field on a deal,
// used when a final-stage deal is missing it (final stages are
// otherwise immutable to the core).
func (c *Client) SetExternalID(ctx context.Context, dealID, externalID string) error {
	return c.withRetry("set_external_id", func() error {
		_, err := c.call(ctx, "crm.deal.update", request{ID: dealID, Fields: map[string]interface{}{
			fieldExternalID: externalID,
		}})
		return err
	})
}

// FindUnboundDealsByContact lists a contact's deals lacking an
// external_id, excluding final-stage deals, ordered oldest first, per
// api_client.py's find_deals_by_contact_without_ident_id.
func (c *Client) FindUnboundDealsByContact(ctx context.Context, contactID string, isFinal func(domain.Stage) bool) ([]*domain.Deal, error) {
	var deals []*domain.Deal
	err := c.withRetry("find_unbound_deals_by_contact", func() error {
		resp, err := c.call(ctx, "crm.deal.list", request{
			Filter: map[string]interface{}{
				"CONTACT_ID":        contactID,
				"=" + fieldExternalID: false,
			},
			Select: []string{"ID", "STAGE_ID", "DATE_CREATE", fieldExternalID},
			Order:  map[string]string{"DATE_CREATE": "ASC"},
		})
		if err != nil {
			return err
		}
		list, ok := resp.Result.([]interface{})
		if !ok {
			return nil
		}
		for _, item := range list {
			fields, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			deal := dealFromFields(fields)
			if isFinal(deal.Stage) {
				continue
			}
			deals = append(deals, deal)
		}
		return nil
	})
	return deals, err
}

func splitFullName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

func dealFieldsFromRecord(rec domain.CanonicalRecord, stage domain.Stage) map[string]interface{} {
	fields := map[string]interface{}{
		"TITLE":               dealTitleDefault,
		fieldExternalID:       rec.ExternalID,
		fieldAppointmentStart: rec.PlannedStart.Format(time.RFC3339),
		fieldDoctor:           rec.DoctorName,
		fieldServices:         rec.ServicesSummary,
	}
	if stage != "" {
		fields["STAGE_ID"] = string(stage)
	}
	if rec.TotalAmount != nil {
		fields["OPPORTUNITY"] = *rec.TotalAmount
	}
	return fields
}

func dealFromFields(fields map[string]interface{}) *domain.Deal {
	d := &domain.Deal{
		ID:         fmt.Sprint(fields["ID"]),
		ContactID:  fmt.Sprint(fields["CONTACT_ID"]),
		Stage:      domain.Stage(fmt.Sprint(fields["STAGE_ID"])),
		ExternalID: fmt.Sprint(fields[fieldExternalID]),
	}
	return d
}
