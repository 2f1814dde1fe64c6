package crm

import (
	"context"
	"fmt"
	"net/url"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
)

// batchChunkSize is Bitrix24's own per-batch command cap, per
// api_client.py's batch_execute.
const batchChunkSize = 50

// BatchFindDealsByExternalID resolves external ids to deals in chunks
// of batchChunkSize, one HTTP "batch" call per chunk. The returned map
// always has exactly one entry per requested id, nil for a miss, even
// when externalIDs is empty — in which case no HTTP call is made.
func (c *Client) BatchFindDealsByExternalID(ctx context.Context, externalIDs []string) (map[string]*domain.Deal, error) {
	out := make(map[string]*domain.Deal, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}

	for _, chunk := range chunkStrings(externalIDs, batchChunkSize) {
		cmds := make(map[string]string, len(chunk))
		for _, id := range chunk {
			cmds[id] = fmt.Sprintf("crm.deal.list?filter[%s]=%s&select[]=ID&select[]=STAGE_ID&select[]=CONTACT_ID&select[]=%s",
				fieldExternalID, url.QueryEscape(id), fieldExternalID)
		}

		results, err := c.runBatch(ctx, "batch_find_deals_by_external_id", cmds)
		if err != nil {
			return nil, err
		}

		for _, id := range chunk {
			out[id] = firstDealFromBatchEntry(results[id])
		}
	}

	return out, nil
}

// BatchFindContactsByPhone resolves phone numbers to contacts in chunks
// of batchChunkSize. Consults the soft lookup cache first; a cache hit
// never issues an HTTP call for that phone.
func (c *Client) BatchFindContactsByPhone(ctx context.Context, phones []string) (map[string]*domain.Contact, error) {
	out := make(map[string]*domain.Contact, len(phones))
	if len(phones) == 0 {
		return out, nil
	}

	toFetch := make([]string, 0, len(phones))
	for _, phone := range phones {
		if cached, ok := c.cachedContactID(ctx, phone); ok {
			if cached == "" {
				out[phone] = nil
			} else {
				out[phone] = &domain.Contact{ID: cached, Phone: phone}
			}
			continue
		}
		toFetch = append(toFetch, phone)
	}

	for _, chunk := range chunkStrings(toFetch, batchChunkSize) {
		cmds := make(map[string]string, len(chunk))
		for _, phone := range chunk {
			cmds[phone] = fmt.Sprintf("crm.contact.list?filter[PHONE]=%s&select[]=ID&select[]=NAME&select[]=LAST_NAME&select[]=PHONE",
				url.QueryEscape(phone))
		}

		results, err := c.runBatch(ctx, "batch_find_contacts_by_phone", cmds)
		if err != nil {
			return nil, err
		}

		for _, phone := range chunk {
			contact := firstContactFromBatchEntry(results[phone], phone)
			out[phone] = contact
			c.cacheContactID(ctx, phone, contact)
		}
	}

	return out, nil
}

// BatchFindLeadsByContactID resolves contact ids to their oldest
// non-final lead in chunks of batchChunkSize.
func (c *Client) BatchFindLeadsByContactID(ctx context.Context, contactIDs []string) (map[string]*domain.Lead, error) {
	out := make(map[string]*domain.Lead, len(contactIDs))
	if len(contactIDs) == 0 {
		return out, nil
	}

	for _, chunk := range chunkStrings(contactIDs, batchChunkSize) {
		cmds := make(map[string]string, len(chunk))
		for _, id := range chunk {
			cmds[id] = fmt.Sprintf("crm.lead.list?filter[CONTACT_ID]=%s&filter[STATUS_SEMANTIC_ID]=P&order[DATE_CREATE]=ASC&select[]=ID&select[]=STATUS_ID&select[]=CONTACT_ID",
				url.QueryEscape(id))
		}

		results, err := c.runBatch(ctx, "batch_find_leads_by_contact_id", cmds)
		if err != nil {
			return nil, err
		}
		for _, id := range chunk {
			out[id] = firstLeadFromBatchEntry(results[id])
		}
	}

	return out, nil
}

// BatchFindLeadsByPhone resolves phone numbers directly to a lead,
// implemented as the two-step contact-then-lead lookup api_client.py
// documents (Bitrix24's lead filter on PHONE does not work when the
// phone lives on a linked contact instead).
func (c *Client) BatchFindLeadsByPhone(ctx context.Context, phones []string) (map[string]*domain.Lead, error) {
	out := make(map[string]*domain.Lead, len(phones))
	if len(phones) == 0 {
		return out, nil
	}

	contacts, err := c.BatchFindContactsByPhone(ctx, phones)
	if err != nil {
		return nil, err
	}

	contactIDToPhone := make(map[string]string, len(phones))
	var contactIDs []string
	for phone, contact := range contacts {
		if contact == nil {
			out[phone] = nil
			continue
		}
		contactIDToPhone[contact.ID] = phone
		contactIDs = append(contactIDs, contact.ID)
	}

	leadsByContact, err := c.BatchFindLeadsByContactID(ctx, contactIDs)
	if err != nil {
		return nil, err
	}
	for contactID, lead := range leadsByContact {
		out[contactIDToPhone[contactID]] = lead
	}

	return out, nil
}

func firstLeadFromBatchEntry(entry interface{}) *domain.Lead {
	list, ok := entry.([]interface{})
	if !ok || len(list) == 0 {
		return nil
	}
	fields, ok := list[0].(map[string]interface{})
	if !ok {
		return nil
	}
	return &domain.Lead{
		ID:        fmt.Sprint(fields["ID"]),
		ContactID: fmt.Sprint(fields["CONTACT_ID"]),
		Status:    fmt.Sprint(fields["STATUS_ID"]),
	}
}

func (c *Client) runBatch(ctx context.Context, op string, cmds map[string]string) (map[string]interface{}, error) {
	var results map[string]interface{}
	err := c.withRetry(op, func() error {
		resp, err := c.call(ctx, "batch", request{Fields: map[string]interface{}{
			"halt": 0,
			"cmd":  cmds,
		}})
		if err != nil {
			return err
		}
		envelope, ok := resp.Result.(map[string]interface{})
		if !ok {
			return domain.NewError(domain.KindCrmValidation, op+": unexpected batch envelope", nil)
		}
		inner, _ := envelope["result"].(map[string]interface{})
		results = inner
		return nil
	})
	return results, err
}

func firstDealFromBatchEntry(entry interface{}) *domain.Deal {
	list, ok := entry.([]interface{})
	if !ok || len(list) == 0 {
		return nil
	}
	fields, ok := list[0].(map[string]interface{})
	if !ok {
		return nil
	}
	return dealFromFields(fields)
}

func firstContactFromBatchEntry(entry interface{}, phone string) *domain.Contact {
	list, ok := entry.([]interface{})
	if !ok || len(list) == 0 {
		return nil
	}
	fields, ok := list[0].(map[string]interface{})
	if !ok {
		return nil
	}
	return &domain.Contact{
		ID:        fmt.Sprint(fields["ID"]),
		FirstName: fmt.Sprint(fields["NAME"]),
		LastName:  fmt.Sprint(fields["LAST_NAME"]),
		Phone:     phone,
	}
}

func (c *Client) cachedContactID(ctx context.Context, phone string) (string, bool) {
	if c.cache == nil {
		return "", false
	}
	val, err := c.cache.Get(ctx, "contact_id:"+phone)
	if err != nil {
		return "", false
	}
	return val, true
}

func (c *Client) cacheContactID(ctx context.Context, phone string, contact *domain.Contact) {
	if c.cache == nil {
		return
	}
	id := ""
	if contact != nil {
		id = contact.ID
	}
	_ = c.cache.Set(ctx, "contact_id:"+phone, id, 0)
}

func chunkStrings(items []string, size int) [][]string {
	if len(items) == 0 {
		return nil
	}
	var chunks [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}
