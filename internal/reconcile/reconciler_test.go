package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/config"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/stage"
)

// fakeCRM is a hand-written stub of crmClient, grounded in the
// teacher's kv_fake_test.go pattern of swapping an interface for an
// in-memory double instead of mocking every call.
type fakeCRM struct {
	dealsByExternalID map[string]*domain.Deal
	contactsByPhone   map[string]*domain.Contact
	leadsByPhone      map[string]*domain.Lead
	unboundByContact  map[string][]*domain.Deal
	getDealErr        error
	getDealResult     *domain.Deal

	createdDeals   []domain.CanonicalRecord
	createdContact bool
	updatedStages  map[string]domain.Stage
	setExternalIDs map[string]string
	converted      map[string]domain.ConvertResult
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		dealsByExternalID: map[string]*domain.Deal{},
		contactsByPhone:   map[string]*domain.Contact{},
		leadsByPhone:      map[string]*domain.Lead{},
		unboundByContact:  map[string][]*domain.Deal{},
		updatedStages:     map[string]domain.Stage{},
		setExternalIDs:    map[string]string{},
		converted:         map[string]domain.ConvertResult{},
	}
}

func (f *fakeCRM) BatchFindDealsByExternalID(_ context.Context, ids []string) (map[string]*domain.Deal, error) {
	out := make(map[string]*domain.Deal, len(ids))
	for _, id := range ids {
		out[id] = f.dealsByExternalID[id]
	}
	return out, nil
}

func (f *fakeCRM) BatchFindContactsByPhone(_ context.Context, phones []string) (map[string]*domain.Contact, error) {
	out := make(map[string]*domain.Contact, len(phones))
	for _, p := range phones {
		out[p] = f.contactsByPhone[p]
	}
	return out, nil
}

func (f *fakeCRM) BatchFindLeadsByPhone(_ context.Context, phones []string) (map[string]*domain.Lead, error) {
	out := make(map[string]*domain.Lead, len(phones))
	for _, p := range phones {
		out[p] = f.leadsByPhone[p]
	}
	return out, nil
}

func (f *fakeCRM) FindUnboundDealsByContact(_ context.Context, contactID string, isFinal func(domain.Stage) bool) ([]*domain.Deal, error) {
	var out []*domain.Deal
	for _, d := range f.unboundByContact[contactID] {
		if !isFinal(d.Stage) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeCRM) GetDeal(_ context.Context, dealID string) (*domain.Deal, error) {
	if f.getDealErr != nil {
		return nil, f.getDealErr
	}
	return f.getDealResult, nil
}

func (f *fakeCRM) CreateDeal(_ context.Context, contactID string, rec domain.CanonicalRecord, s domain.Stage) (string, error) {
	f.createdDeals = append(f.createdDeals, rec)
	return "new-deal-1", nil
}

func (f *fakeCRM) CreateContact(_ context.Context, rec domain.CanonicalRecord) (string, error) {
	f.createdContact = true
	return "new-contact-1", nil
}

func (f *fakeCRM) UpdateDeal(_ context.Context, dealID string, rec domain.CanonicalRecord, s domain.Stage) error {
	f.updatedStages[dealID] = s
	return nil
}

func (f *fakeCRM) SetExternalID(_ context.Context, dealID, externalID string) error {
	f.setExternalIDs[dealID] = externalID
	return nil
}

func (f *fakeCRM) ConvertLeadToDeal(_ context.Context, leadID string) (domain.ConvertResult, error) {
	return f.converted[leadID], nil
}

func newTestPolicy() *stage.Policy {
	return stage.New(config.DefaultStages())
}

func sampleRecord() domain.CanonicalRecord {
	return domain.CanonicalRecord{
		ExternalID:      "F1_5",
		PatientFullName: "Ivanov Ivan",
		PatientPhone:    "+79161234567",
		TargetStatus:    domain.StatusInProgress,
	}
}

func TestProcess_ExistingDealByExternalIDInTreatmentStageUpdatesFully(t *testing.T) {
	f := newFakeCRM()
	f.dealsByExternalID["F1_5"] = &domain.Deal{ID: "d1", Stage: "TREATMENT"}
	f.getDealResult = &domain.Deal{ID: "d1", Stage: "TREATMENT"}

	r := New(f, newTestPolicy(), zap.NewNop(), nil)
	outcome, dealID, err := r.Process(context.Background(), sampleRecord())

	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, "d1", dealID, "the resolved deal id must be returned so the scheduler can drive plan projection")
	assert.Equal(t, domain.Stage("TREATMENT"), f.updatedStages["d1"])
}

func TestProcess_FinalStageDealOnlyBackfillsExternalID(t *testing.T) {
	f := newFakeCRM()
	f.dealsByExternalID["F1_5"] = &domain.Deal{ID: "d1", Stage: "WON", ExternalID: ""}
	f.getDealResult = &domain.Deal{ID: "d1", Stage: "WON"}

	r := New(f, newTestPolicy(), zap.NewNop(), nil)
	outcome, _, err := r.Process(context.Background(), sampleRecord())

	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, "F1_5", f.setExternalIDs["d1"])
	assert.NotContains(t, f.updatedStages, "d1", "a final-stage deal must never receive a general field update")
}

func TestProcess_ProtectedNonFinalStageUpdatesFieldsButNeverStage(t *testing.T) {
	f := newFakeCRM()
	f.dealsByExternalID["F1_5"] = &domain.Deal{ID: "d1", Stage: "EXECUTING"}
	f.getDealResult = &domain.Deal{ID: "d1", Stage: "EXECUTING"}

	r := New(f, newTestPolicy(), zap.NewNop(), nil)
	outcome, _, err := r.Process(context.Background(), sampleRecord())

	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, domain.Stage(""), f.updatedStages["d1"])
}

func TestProcess_AutoBindsSingleUnboundDealOnContact(t *testing.T) {
	f := newFakeCRM()
	f.contactsByPhone["+79161234567"] = &domain.Contact{ID: "c1"}
	f.unboundByContact["c1"] = []*domain.Deal{{ID: "d2", Stage: "NEW"}}
	f.getDealResult = &domain.Deal{ID: "d2", Stage: "NEW"}

	r := New(f, newTestPolicy(), zap.NewNop(), nil)
	outcome, _, err := r.Process(context.Background(), sampleRecord())

	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, domain.Stage("TREATMENT"), f.updatedStages["d2"])
}

func TestProcess_AmbiguousUnboundDealsSkipsAutoBinding(t *testing.T) {
	f := newFakeCRM()
	f.contactsByPhone["+79161234567"] = &domain.Contact{ID: "c1"}
	f.unboundByContact["c1"] = []*domain.Deal{{ID: "d2", Stage: "NEW"}, {ID: "d3", Stage: "NEW"}}

	r := New(f, newTestPolicy(), zap.NewNop(), nil)
	outcome, _, err := r.Process(context.Background(), sampleRecord())

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedAmbiguous, outcome)
	assert.Empty(t, f.updatedStages)
}

func TestProcess_AutoBindStageReadFailureIsNotSilentlyIgnored(t *testing.T) {
	f := newFakeCRM()
	f.contactsByPhone["+79161234567"] = &domain.Contact{ID: "c1"}
	f.unboundByContact["c1"] = []*domain.Deal{{ID: "d2", Stage: "NEW"}}
	f.getDealErr = errors.New("timeout")

	r := New(f, newTestPolicy(), zap.NewNop(), nil)
	_, _, err := r.Process(context.Background(), sampleRecord())

	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindStageReadFailed))
	assert.Empty(t, f.updatedStages, "an update must never proceed when the safety stage read fails")
}

func TestProcess_ConvertsMatchingLeadWithoutStageProtection(t *testing.T) {
	f := newFakeCRM()
	f.leadsByPhone["+79161234567"] = &domain.Lead{ID: "l1", Status: "NEW"}
	f.converted["l1"] = domain.ConvertResult{DealID: "d9", ContactID: "c9"}

	r := New(f, newTestPolicy(), zap.NewNop(), nil)
	outcome, _, err := r.Process(context.Background(), sampleRecord())

	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, domain.Stage("TREATMENT"), f.updatedStages["d9"])
}

func TestProcess_CreatesFreshContactAndDealWhenNothingMatches(t *testing.T) {
	f := newFakeCRM()

	r := New(f, newTestPolicy(), zap.NewNop(), nil)
	outcome, _, err := r.Process(context.Background(), sampleRecord())

	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.True(t, f.createdContact)
	require.Len(t, f.createdDeals, 1)
	assert.Equal(t, "F1_5", f.createdDeals[0].ExternalID)
}

func TestProcess_EmptyPhoneSkipsPhonePathsAndGoesStraightToCreate(t *testing.T) {
	f := newFakeCRM()
	rec := sampleRecord()
	rec.PatientPhone = ""

	r := New(f, newTestPolicy(), zap.NewNop(), nil)
	outcome, _, err := r.Process(context.Background(), rec)

	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
}
