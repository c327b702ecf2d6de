package service

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kofera/contractsign/model"
	"github.com/kofera/contractsign/pkg/logger"
)

// Renderer produces a new document with field content stamped onto it.
type Renderer interface {
	Render(base []byte, fields []model.Field, values map[int64]FieldValue) ([]byte, error)
}

// UploadedImage is one image received from a caller together with its
// declared MIME type.
type UploadedImage struct {
	Data []byte
	MIME string
}

// Form page names used in notification deep links.
const (
	FormCompanyInput = "company-input"
	FormSign         = "sign"
	FormReview       = "review"
)

// nonTerminalStatuses are the statuses a reviewer action may leave.
var nonTerminalStatuses = []model.ContractStatus{
	model.StatusPendingFields,
	model.StatusPendingCompanyInput,
	model.StatusPendingSignatures,
	model.StatusCompleted,
	model.StatusRejected,
}

// Lifecycle owns the contract state machine. Every transition runs
// under a per-contract lock, so a contract has at most one in-flight
// transition at a time; the repository's status compare-and-swap backs
// that up across processes. Artifacts are written before the
// transaction commits, so a failed transaction leaves the previous
// artifact pointer intact and the orphaned blob unreferenced.
type Lifecycle struct {
	repo      *Repository
	artifacts ArtifactStore
	renderer  Renderer
	notifier  NotificationSink

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLifecycle(repo *Repository, artifacts ArtifactStore, renderer Renderer, notifier NotificationSink) *Lifecycle {
	return &Lifecycle{
		repo:      repo,
		artifacts: artifacts,
		renderer:  renderer,
		notifier:  notifier,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lock acquires the per-contract mutex and returns its release func.
func (l *Lifecycle) lock(contractID string) func() {
	l.mu.Lock()
	m, ok := l.locks[contractID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[contractID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// CreateContract stores the uploaded document and creates the contract
// in pending_fields with the current artifact pointing at the
// original.
func (l *Lifecycle) CreateContract(ctx context.Context, document []byte, filename string) (*model.Contract, error) {
	if len(document) == 0 {
		return nil, fmt.Errorf("%w: no document uploaded", model.ErrValidation)
	}
	if strings.ToLower(path.Ext(filename)) != ".pdf" {
		return nil, fmt.Errorf("%w: only PDF documents are supported", model.ErrValidation)
	}

	contractID := uuid.New().String()
	objectName := originalObjectName(contractID, objectExt(filename))

	if err := l.artifacts.Put(ctx, objectName, document, "application/pdf"); err != nil {
		return nil, fmt.Errorf("store original document: %w", err)
	}

	contract := &model.Contract{
		ID:             contractID,
		Filename:       filename,
		OriginalObject: objectName,
		CurrentObject:  objectName,
		Status:         model.StatusPendingFields,
	}
	if err := l.repo.CreateContract(ctx, contract); err != nil {
		return nil, err
	}

	logger.Info(ctx, "contract created", "contract_id", contractID, "filename", filename)
	return contract, nil
}

// SaveLayout replaces the contract's field set with the given layout
// and moves it to pending_company_input. The layout stays editable
// until the company submits input. On success the company is notified
// with a link to the input form.
func (l *Lifecycle) SaveLayout(ctx context.Context, contractID string, specs []model.FieldSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("%w: field layout is empty", model.ErrValidation)
	}
	if err := validateLayout(specs); err != nil {
		return err
	}

	unlock := l.lock(contractID)
	defer unlock()

	err := l.repo.ReplaceFields(ctx, contractID, specs,
		[]model.ContractStatus{model.StatusPendingFields, model.StatusPendingCompanyInput},
		model.StatusPendingCompanyInput)
	if err != nil {
		return err
	}

	logger.Info(ctx, "field layout saved", "contract_id", contractID, "fields", len(specs))
	l.notifier.Notify(contractID, model.RoleCompany, FormCompanyInput)
	return nil
}

// SubmitCompanyInput binds text values and seal images to their
// fields, renders them onto the document and moves the contract to
// pending_signatures. Submissions for unknown field ids or for kinds
// outside this step are ignored. Legal from pending_company_input and
// from rejected, which re-enters the workflow here.
func (l *Lifecycle) SubmitCompanyInput(ctx context.Context, contractID string, texts map[int64]string, images map[int64]UploadedImage) error {
	unlock := l.lock(contractID)
	defer unlock()

	from := []model.ContractStatus{model.StatusPendingCompanyInput, model.StatusRejected}

	contract, err := l.guardedContract(ctx, contractID, from)
	if err != nil {
		return err
	}
	fields, err := l.repo.ListFields(ctx, contractID)
	if err != nil {
		return err
	}

	renderValues := make(map[int64]FieldValue)
	bound := make(map[int64]string)
	for _, f := range fields {
		switch f.Kind {
		case model.KindText:
			text, ok := texts[f.ID]
			if !ok || text == "" {
				continue
			}
			renderValues[f.ID] = FieldValue{Text: text}
			bound[f.ID] = text
		case model.KindSeal:
			img, ok := images[f.ID]
			if !ok || len(img.Data) == 0 {
				continue
			}
			objectName := sealObjectName(contractID, f.ID, extForMIME(img.MIME))
			if err := l.artifacts.Put(ctx, objectName, img.Data, img.MIME); err != nil {
				return fmt.Errorf("store seal image: %w", err)
			}
			renderValues[f.ID] = FieldValue{Image: img.Data, ImageMIME: img.MIME}
			bound[f.ID] = objectName
		}
	}

	newObject, err := l.renderTo(ctx, contract, fields, renderValues,
		companySignedObjectName(contractID, objectExt(contract.Filename)))
	if err != nil {
		return err
	}

	err = l.repo.BindValues(ctx, contractID, bound, newObject, from, model.StatusPendingSignatures)
	if err != nil {
		return err
	}

	logger.Info(ctx, "company input submitted", "contract_id", contractID, "values", len(bound))
	l.notifier.Notify(contractID, model.RoleStudent, FormSign)
	l.notifier.Notify(contractID, model.RoleParent, FormSign)
	return nil
}

// SubmitSignatures stores both signature images, renders them onto the
// document and moves the contract to completed. Both images are
// required, but a missing signature field on one side does not fail
// the other half. The reviewer is notified on success.
func (l *Lifecycle) SubmitSignatures(ctx context.Context, contractID string, student, parent []byte) error {
	if len(student) == 0 || len(parent) == 0 {
		return fmt.Errorf("%w: both student and parent signatures are required", model.ErrValidation)
	}

	unlock := l.lock(contractID)
	defer unlock()

	from := []model.ContractStatus{model.StatusPendingSignatures}

	contract, err := l.guardedContract(ctx, contractID, from)
	if err != nil {
		return err
	}
	fields, err := l.repo.ListFields(ctx, contractID)
	if err != nil {
		return err
	}

	renderValues := make(map[int64]FieldValue)
	bound := make(map[int64]string)
	signatures := []struct {
		kind model.FieldKind
		role model.Role
		data []byte
	}{
		{model.KindStudentSignature, model.RoleStudent, student},
		{model.KindParentSignature, model.RoleParent, parent},
	}
	for _, sig := range signatures {
		field := firstFieldOfKind(fields, sig.kind)
		if field == nil {
			logger.Warn(ctx, "no layout field for signature, skipping",
				"contract_id", contractID, "role", sig.role)
			continue
		}
		objectName := signatureObjectName(contractID, sig.role)
		if err := l.artifacts.Put(ctx, objectName, sig.data, "image/png"); err != nil {
			return fmt.Errorf("store %s signature: %w", sig.role, err)
		}
		renderValues[field.ID] = FieldValue{Image: sig.data, ImageMIME: "image/png"}
		bound[field.ID] = objectName
	}

	newObject, err := l.renderTo(ctx, contract, fields, renderValues,
		finalObjectName(contractID, objectExt(contract.Filename)))
	if err != nil {
		return err
	}

	err = l.repo.BindValues(ctx, contractID, bound, newObject, from, model.StatusCompleted)
	if err != nil {
		return err
	}

	logger.Info(ctx, "signatures submitted", "contract_id", contractID)
	l.notifier.Notify(contractID, model.RoleReviewer, FormReview)
	return nil
}

// Action applies a reviewer decision. Approve marks the contract
// terminal; reject resets the document to the original, clears every
// field value and re-notifies the company. Both are legal from any
// non-terminal status; an approved contract admits no further actions.
func (l *Lifecycle) Action(ctx context.Context, contractID, action string) error {
	unlock := l.lock(contractID)
	defer unlock()

	switch action {
	case "approve":
		err := l.repo.UpdateStatus(ctx, contractID, nonTerminalStatuses, model.StatusApproved)
		if err != nil {
			return err
		}
		logger.Info(ctx, "contract approved", "contract_id", contractID)
		return nil
	case "reject":
		err := l.repo.ResetContract(ctx, contractID, nonTerminalStatuses, model.StatusRejected)
		if err != nil {
			return err
		}
		logger.Info(ctx, "contract rejected", "contract_id", contractID)
		l.notifier.Notify(contractID, model.RoleCompany, FormCompanyInput)
		return nil
	default:
		return fmt.Errorf("%w: unknown action %q", model.ErrValidation, action)
	}
}

// Get returns a contract with its fields in insertion order.
func (l *Lifecycle) Get(ctx context.Context, contractID string) (*model.Contract, []model.Field, error) {
	contract, err := l.repo.GetContract(ctx, contractID)
	if err != nil {
		return nil, nil, err
	}
	fields, err := l.repo.ListFields(ctx, contractID)
	if err != nil {
		return nil, nil, err
	}
	return contract, fields, nil
}

// List returns all contracts, newest first.
func (l *Lifecycle) List(ctx context.Context) ([]*model.Contract, error) {
	return l.repo.ListContracts(ctx)
}

// guardedContract loads the contract and checks its status before any
// artifact is written. The repository transaction re-checks with a
// compare-and-swap; this early check just fails cheap.
func (l *Lifecycle) guardedContract(ctx context.Context, contractID string, from []model.ContractStatus) (*model.Contract, error) {
	contract, err := l.repo.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	for _, s := range from {
		if contract.Status == s {
			return contract, nil
		}
	}
	return nil, fmt.Errorf("%w: contract %s is %s", model.ErrInvalidTransition, contractID, contract.Status)
}

// renderTo renders the submitted values over the contract's current
// document and stores the result under objectName.
func (l *Lifecycle) renderTo(ctx context.Context, contract *model.Contract, fields []model.Field, values map[int64]FieldValue, objectName string) (string, error) {
	base, err := l.artifacts.Get(ctx, contract.CurrentObject)
	if err != nil {
		return "", fmt.Errorf("load current document: %w", err)
	}

	rendered, err := l.renderer.Render(base, fields, values)
	if err != nil {
		return "", err
	}

	if err := l.artifacts.Put(ctx, objectName, rendered, "application/pdf"); err != nil {
		return "", fmt.Errorf("store rendered document: %w", err)
	}
	return objectName, nil
}

func validateLayout(specs []model.FieldSpec) error {
	var studentSigs, parentSigs int
	for i, spec := range specs {
		if !spec.Kind.Valid() {
			return fmt.Errorf("%w: field %d has unknown kind %q", model.ErrValidation, i, spec.Kind)
		}
		if spec.Width <= 0 || spec.Height <= 0 {
			return fmt.Errorf("%w: field %d has non-positive size", model.ErrValidation, i)
		}
		if spec.X < 0 || spec.Y < 0 {
			return fmt.Errorf("%w: field %d has negative position", model.ErrValidation, i)
		}
		switch spec.Kind {
		case model.KindStudentSignature:
			studentSigs++
		case model.KindParentSignature:
			parentSigs++
		}
	}
	if studentSigs > 1 || parentSigs > 1 {
		return fmt.Errorf("%w: at most one signature field per role", model.ErrValidation)
	}
	return nil
}

func firstFieldOfKind(fields []model.Field, kind model.FieldKind) *model.Field {
	for i := range fields {
		if fields[i].Kind == kind {
			return &fields[i]
		}
	}
	return nil
}

func extForMIME(mimeType string) string {
	switch mimeType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	default:
		return ".png"
	}
}
