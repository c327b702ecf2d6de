package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/kofera/contractsign/model"
)

// fakeArtifacts is an in-memory ArtifactStore.
type fakeArtifacts struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{objects: make(map[string][]byte)}
}

func (s *fakeArtifacts) Put(_ context.Context, objectName string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectName] = append([]byte(nil), data...)
	return nil
}

func (s *fakeArtifacts) Get(_ context.Context, objectName string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[objectName]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectName)
	}
	return data, nil
}

func (s *fakeArtifacts) URL(_ context.Context, objectName string) (string, error) {
	return "http://artifacts.test/" + objectName, nil
}

// fakeRenderer records its inputs and returns marked output.
type fakeRenderer struct {
	calls      int
	lastValues map[int64]FieldValue
	err        error
}

func (r *fakeRenderer) Render(base []byte, _ []model.Field, values map[int64]FieldValue) ([]byte, error) {
	r.calls++
	r.lastValues = values
	if r.err != nil {
		return nil, r.err
	}
	return append(append([]byte(nil), base...), []byte("+render")...), nil
}

type notice struct {
	contractID string
	role       model.Role
	form       string
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (n *fakeNotifier) Notify(contractID string, role model.Role, form string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{contractID, role, form})
}

func (n *fakeNotifier) last() (notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.notices) == 0 {
		return notice{}, false
	}
	return n.notices[len(n.notices)-1], true
}

type lifecycleFixture struct {
	lifecycle *Lifecycle
	repo      *Repository
	artifacts *fakeArtifacts
	renderer  *fakeRenderer
	notifier  *fakeNotifier
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	repo := newTestRepository(t)
	artifacts := newFakeArtifacts()
	renderer := &fakeRenderer{}
	notifier := &fakeNotifier{}
	return &lifecycleFixture{
		lifecycle: NewLifecycle(repo, artifacts, renderer, notifier),
		repo:      repo,
		artifacts: artifacts,
		renderer:  renderer,
		notifier:  notifier,
	}
}

func (f *lifecycleFixture) upload(t *testing.T) *model.Contract {
	t.Helper()
	contract, err := f.lifecycle.CreateContract(context.Background(), []byte("%PDF-1.4 test"), "internship.pdf")
	if err != nil {
		t.Fatalf("Failed to create contract: %v", err)
	}
	return contract
}

func (f *lifecycleFixture) layout(t *testing.T, contractID string, specs []model.FieldSpec) []model.Field {
	t.Helper()
	if err := f.lifecycle.SaveLayout(context.Background(), contractID, specs); err != nil {
		t.Fatalf("Failed to save layout: %v", err)
	}
	fields, err := f.repo.ListFields(context.Background(), contractID)
	if err != nil {
		t.Fatalf("Failed to list fields: %v", err)
	}
	return fields
}

func TestCreateContract(t *testing.T) {
	f := newLifecycleFixture(t)

	contract := f.upload(t)

	if contract.Status != model.StatusPendingFields {
		t.Errorf("Expected status pending_fields, got %s", contract.Status)
	}
	if contract.CurrentObject != contract.OriginalObject {
		t.Error("Expected current object to equal original object")
	}
	if _, err := f.artifacts.Get(context.Background(), contract.OriginalObject); err != nil {
		t.Errorf("Expected original document in artifact store: %v", err)
	}
}

func TestCreateContractValidation(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	if _, err := f.lifecycle.CreateContract(ctx, nil, "doc.pdf"); !errors.Is(err, model.ErrValidation) {
		t.Errorf("Expected ErrValidation for empty upload, got %v", err)
	}
	if _, err := f.lifecycle.CreateContract(ctx, []byte("data"), "doc.docx"); !errors.Is(err, model.ErrValidation) {
		t.Errorf("Expected ErrValidation for non-PDF upload, got %v", err)
	}
}

func TestSaveLayout(t *testing.T) {
	f := newLifecycleFixture(t)
	contract := f.upload(t)

	fields := f.layout(t, contract.ID, []model.FieldSpec{
		{Kind: model.KindText, X: 50, Y: 50, Width: 100, Height: 20},
		{Kind: model.KindSeal, X: 400, Y: 600, Width: 80, Height: 80},
	})
	if len(fields) != 2 {
		t.Fatalf("Expected 2 fields, got %d", len(fields))
	}

	got, _, err := f.lifecycle.Get(context.Background(), contract.ID)
	if err != nil {
		t.Fatalf("Failed to get contract: %v", err)
	}
	if got.Status != model.StatusPendingCompanyInput {
		t.Errorf("Expected status pending_company_input, got %s", got.Status)
	}

	n, ok := f.notifier.last()
	if !ok || n.role != model.RoleCompany || n.form != FormCompanyInput {
		t.Errorf("Expected company notification for the input form, got %+v", n)
	}

	// Resubmission replaces the layout
	fields = f.layout(t, contract.ID, []model.FieldSpec{
		{Kind: model.KindText, X: 10, Y: 10, Width: 50, Height: 20},
	})
	if len(fields) != 1 {
		t.Errorf("Expected 1 field after resubmission, got %d", len(fields))
	}
}

func TestSaveLayoutValidation(t *testing.T) {
	f := newLifecycleFixture(t)
	contract := f.upload(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		specs []model.FieldSpec
	}{
		{"empty layout", nil},
		{"unknown kind", []model.FieldSpec{{Kind: "stamp", X: 1, Y: 1, Width: 10, Height: 10}}},
		{"zero size", []model.FieldSpec{{Kind: model.KindText, X: 1, Y: 1, Width: 0, Height: 10}}},
		{"negative position", []model.FieldSpec{{Kind: model.KindText, X: -5, Y: 1, Width: 10, Height: 10}}},
		{"duplicate student signatures", []model.FieldSpec{
			{Kind: model.KindStudentSignature, X: 1, Y: 1, Width: 10, Height: 10},
			{Kind: model.KindStudentSignature, X: 1, Y: 50, Width: 10, Height: 10},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.lifecycle.SaveLayout(ctx, contract.ID, tt.specs)
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("Expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestSubmitCompanyInput(t *testing.T) {
	f := newLifecycleFixture(t)
	contract := f.upload(t)
	ctx := context.Background()

	fields := f.layout(t, contract.ID, []model.FieldSpec{
		{Kind: model.KindText, X: 50, Y: 50, Width: 100, Height: 20},
		{Kind: model.KindSeal, X: 400, Y: 600, Width: 80, Height: 80},
	})

	texts := map[int64]string{fields[0].ID: "Acme Corp"}
	images := map[int64]UploadedImage{fields[1].ID: {Data: []byte("png-bytes"), MIME: "image/png"}}

	if err := f.lifecycle.SubmitCompanyInput(ctx, contract.ID, texts, images); err != nil {
		t.Fatalf("Failed to submit company input: %v", err)
	}

	got, gotFields, _ := f.lifecycle.Get(ctx, contract.ID)
	if got.Status != model.StatusPendingSignatures {
		t.Errorf("Expected status pending_signatures, got %s", got.Status)
	}
	wantObject := contract.ID + "-company-signed.pdf"
	if got.CurrentObject != wantObject {
		t.Errorf("Expected current object %s, got %s", wantObject, got.CurrentObject)
	}
	if gotFields[0].Value == nil || *gotFields[0].Value != "Acme Corp" {
		t.Errorf("Expected text value 'Acme Corp', got %v", gotFields[0].Value)
	}
	if gotFields[1].Value == nil || *gotFields[1].Value == "" {
		t.Error("Expected seal value to reference a stored artifact")
	}

	// Rendered artifact exists and went through the renderer
	if _, err := f.artifacts.Get(ctx, wantObject); err != nil {
		t.Errorf("Expected rendered artifact in store: %v", err)
	}
	if f.renderer.calls != 1 {
		t.Errorf("Expected 1 render call, got %d", f.renderer.calls)
	}
	if len(f.renderer.lastValues) != 2 {
		t.Errorf("Expected 2 rendered values, got %d", len(f.renderer.lastValues))
	}

	// Both the student and the parent are asked to sign
	roles := map[model.Role]bool{}
	for _, n := range f.notifier.notices {
		if n.form == FormSign {
			roles[n.role] = true
		}
	}
	if !roles[model.RoleStudent] || !roles[model.RoleParent] {
		t.Errorf("Expected sign notifications for student and parent, got %+v", f.notifier.notices)
	}
}

func TestSubmitCompanyInputIgnoresMismatched(t *testing.T) {
	f := newLifecycleFixture(t)
	contract := f.upload(t)
	ctx := context.Background()

	fields := f.layout(t, contract.ID, []model.FieldSpec{
		{Kind: model.KindText, X: 50, Y: 50, Width: 100, Height: 20},
		{Kind: model.KindStudentSignature, X: 100, Y: 700, Width: 120, Height: 40},
	})

	// Text for a signature field and an unknown id: both ignored
	texts := map[int64]string{
		fields[0].ID: "Acme Corp",
		fields[1].ID: "should be ignored",
		99999:        "ghost",
	}

	if err := f.lifecycle.SubmitCompanyInput(ctx, contract.ID, texts, nil); err != nil {
		t.Fatalf("Failed to submit company input: %v", err)
	}

	_, gotFields, _ := f.lifecycle.Get(ctx, contract.ID)
	if gotFields[0].Value == nil || *gotFields[0].Value != "Acme Corp" {
		t.Errorf("Expected text value bound, got %v", gotFields[0].Value)
	}
	if gotFields[1].Value != nil {
		t.Errorf("Expected signature field untouched by company input, got %v", *gotFields[1].Value)
	}
}

func TestSubmitCompanyInputWrongStatus(t *testing.T) {
	f := newLifecycleFixture(t)
	contract := f.upload(t)

	// Still pending_fields: no layout submitted yet
	err := f.lifecycle.SubmitCompanyInput(context.Background(), contract.ID, nil, nil)
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestSubmitCompanyInputRenderFailure(t *testing.T) {
	f := newLifecycleFixture(t)
	contract := f.upload(t)
	ctx := context.Background()

	fields := f.layout(t, contract.ID, []model.FieldSpec{
		{Kind: model.KindText, X: 50, Y: 50, Width: 100, Height: 20},
	})

	f.renderer.err = model.ErrUnsupportedDocument
	err := f.lifecycle.SubmitCompanyInput(ctx, contract.ID, map[int64]string{fields[0].ID: "Acme"}, nil)
	if !errors.Is(err, model.ErrUnsupportedDocument) {
		t.Fatalf("Expected render error to surface, got %v", err)
	}

	// No state mutated: status and artifact pointer unchanged, no value bound
	got, gotFields, _ := f.lifecycle.Get(ctx, contract.ID)
	if got.Status != model.StatusPendingCompanyInput {
		t.Errorf("Expected status unchanged, got %s", got.Status)
	}
	if got.CurrentObject != got.OriginalObject {
		t.Error("Expected current object unchanged after render failure")
	}
	if gotFields[0].Value != nil {
		t.Error("Expected no value bound after render failure")
	}
}

func TestSubmitSignatures(t *testing.T) {
	f := newLifecycleFixture(t)
	contract := f.upload(t)
	ctx := context.Background()

	fields := f.layout(t, contract.ID, []model.FieldSpec{
		{Kind: model.KindStudentSignature, X: 100, Y: 700, Width: 120, Height: 40},
		{Kind: model.KindParentSignature, X: 300, Y: 700, Width: 120, Height: 40},
	})
	if err := f.lifecycle.SubmitCompanyInput(ctx, contract.ID, nil, nil); err != nil {
		t.Fatalf("Failed to submit company input: %v", err)
	}

	err := f.lifecycle.SubmitSignatures(ctx, contract.ID, []byte("student-png"), []byte("parent-png"))
	if err != nil {
		t.Fatalf("Failed to submit signatures: %v", err)
	}

	got, gotFields, _ := f.lifecycle.Get(ctx, contract.ID)
	if got.Status != model.StatusCompleted {
		t.Errorf("Expected status completed, got %s", got.Status)
	}
	wantObject := contract.ID + "-final.pdf"
	if got.CurrentObject != wantObject {
		t.Errorf("Expected current object %s, got %s", wantObject, got.CurrentObject)
	}

	wantStudent := contract.ID + "-student-signature.png"
	if gotFields[0].ID != fields[0].ID || gotFields[0].Value == nil || *gotFields[0].Value != wantStudent {
		t.Errorf("Expected student signature value %s, got %v", wantStudent, gotFields[0].Value)
	}
	if _, err := f.artifacts.Get(ctx, wantStudent); err != nil {
		t.Errorf("Expected student signature artifact: %v", err)
	}

	n, ok := f.notifier.last()
	if !ok || n.role != model.RoleReviewer || n.form != FormReview {
		t.Errorf("Expected reviewer notification, got %+v", n)
	}
}

func TestSubmitSignaturesPartialFields(t *testing.T) {
	f := newLifecycleFixture(t)
	contract := f.upload(t)
	ctx := context.Background()

	// Layout has a parent signature field only
	fields := f.layout(t, contract.ID, []model.FieldSpec{
		{Kind: model.KindParentSignature, X: 300, Y: 700, Width: 120, Height: 40},
	})
	if err := f.lifecycle.SubmitCompanyInput(ctx, contract.ID, nil, nil); err != nil {
		t.Fatalf("Failed to submit company input: %v", err)
	}

	// Both images are provided; the student half has no field and is
	// skipped without failing the call
	err := f.lifecycle.SubmitSignatures(ctx, contract.ID, []byte("student-png"), []byte("parent-png"))
	if err != nil {
		t.Fatalf("Expected partial-field submission to succeed, got %v", err)
	}

	got, gotFields, _ := f.lifecycle.Get(ctx, contract.ID)
	if got.Status != model.StatusCompleted {
		t.Errorf("Expected status completed, got %s", got.Status)
	}
	wantParent := contract.ID + "-parent-signature.png"
	if gotFields[0].ID != fields[0].ID || gotFields[0].Value == nil || *gotFields[0].Value != wantParent {
		t.Errorf("Expected parent signature bound, got %v", gotFields[0].Value)
	}
}

func TestSubmitSignaturesValidation(t *testing.T) {
	f := newLifecycleFixture(t)
	contract := f.upload(t)

	err := f.lifecycle.SubmitSignatures(context.Background(), contract.ID, []byte("student"), nil)
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("Expected ErrValidation for missing parent signature, got %v", err)
	}
}

func TestActionApprove(t *testing.T) {
	f := newLifecycleFixture(t)
	contract := f.upload(t)
	ctx := context.Background()

	if err := f.lifecycle.Action(ctx, contract.ID, "approve"); err != nil {
		t.Fatalf("Failed to approve: %v", err)
	}

	got, _, _ := f.lifecycle.Get(ctx, contract.ID)
	if got.Status != model.StatusApproved {
		t.Errorf("Expected status approved, got %s", got.Status)
	}

	// Approved is terminal: no further action is legal
	if err := f.lifecycle.Action(ctx, contract.ID, "reject"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition after approval, got %v", err)
	}
	if err := f.lifecycle.Action(ctx, contract.ID, "approve"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition after approval, got %v", err)
	}
}

func TestActionReject(t *testing.T) {
	f := newLifecycleFixture(t)
	contract := f.upload(t)
	ctx := context.Background()

	fields := f.layout(t, contract.ID, []model.FieldSpec{
		{Kind: model.KindText, X: 50, Y: 50, Width: 100, Height: 20},
	})
	err := f.lifecycle.SubmitCompanyInput(ctx, contract.ID, map[int64]string{fields[0].ID: "Acme Corp"}, nil)
	if err != nil {
		t.Fatalf("Failed to submit company input: %v", err)
	}

	if err := f.lifecycle.Action(ctx, contract.ID, "reject"); err != nil {
		t.Fatalf("Failed to reject: %v", err)
	}

	got, gotFields, _ := f.lifecycle.Get(ctx, contract.ID)
	if got.Status != model.StatusRejected {
		t.Errorf("Expected status rejected, got %s", got.Status)
	}
	if got.CurrentObject != got.OriginalObject {
		t.Error("Expected current object reset to original")
	}
	if gotFields[0].Value != nil {
		t.Errorf("Expected field value cleared, got %v", *gotFields[0].Value)
	}
	if gotFields[0].X != 50 || gotFields[0].Width != 100 {
		t.Error("Expected field geometry untouched by rejection")
	}

	n, ok := f.notifier.last()
	if !ok || n.role != model.RoleCompany || n.form != FormCompanyInput {
		t.Errorf("Expected company re-notification, got %+v", n)
	}

	// Rejected re-enters the company-input step
	err = f.lifecycle.SubmitCompanyInput(ctx, contract.ID, map[int64]string{fields[0].ID: "Beta Inc"}, nil)
	if err != nil {
		t.Fatalf("Expected company input to re-enter after rejection, got %v", err)
	}
	got, gotFields, _ = f.lifecycle.Get(ctx, contract.ID)
	if got.Status != model.StatusPendingSignatures {
		t.Errorf("Expected status pending_signatures after re-entry, got %s", got.Status)
	}
	if gotFields[0].Value == nil || *gotFields[0].Value != "Beta Inc" {
		t.Errorf("Expected rebound value 'Beta Inc', got %v", gotFields[0].Value)
	}
}

func TestActionUnknown(t *testing.T) {
	f := newLifecycleFixture(t)
	contract := f.upload(t)

	err := f.lifecycle.Action(context.Background(), contract.ID, "escalate")
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("Expected ErrValidation for unknown action, got %v", err)
	}
}

func TestActionNotFound(t *testing.T) {
	f := newLifecycleFixture(t)

	err := f.lifecycle.Action(context.Background(), "missing", "approve")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestEndToEndWorkflow(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	contract := f.upload(t)
	fields := f.layout(t, contract.ID, []model.FieldSpec{
		{Kind: model.KindText, X: 50, Y: 50, Width: 100, Height: 20},
		{Kind: model.KindStudentSignature, X: 100, Y: 700, Width: 120, Height: 40},
		{Kind: model.KindParentSignature, X: 300, Y: 700, Width: 120, Height: 40},
	})

	if err := f.lifecycle.SubmitCompanyInput(ctx, contract.ID, map[int64]string{fields[0].ID: "Acme Corp"}, nil); err != nil {
		t.Fatalf("Company input failed: %v", err)
	}
	if err := f.lifecycle.SubmitSignatures(ctx, contract.ID, []byte("s-png"), []byte("p-png")); err != nil {
		t.Fatalf("Signatures failed: %v", err)
	}
	if err := f.lifecycle.Action(ctx, contract.ID, "approve"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	got, gotFields, _ := f.lifecycle.Get(ctx, contract.ID)
	if got.Status != model.StatusApproved {
		t.Errorf("Expected status approved, got %s", got.Status)
	}
	if gotFields[0].Value == nil || *gotFields[0].Value != "Acme Corp" {
		t.Errorf("Expected text value 'Acme Corp', got %v", gotFields[0].Value)
	}
	if f.renderer.calls != 2 {
		t.Errorf("Expected 2 render passes (company input, signatures), got %d", f.renderer.calls)
	}
}
