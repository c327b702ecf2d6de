package model

import (
	"time"
)

// ContractStatus is the lifecycle state of a contract. Transitions
// between statuses go through the lifecycle service only.
type ContractStatus string

const (
	// StatusPendingFields: uploaded, waiting for the field layout.
	StatusPendingFields ContractStatus = "pending_fields"
	// StatusPendingCompanyInput: layout saved, waiting for the company
	// to fill in text and seal fields.
	StatusPendingCompanyInput ContractStatus = "pending_company_input"
	// StatusPendingSignatures: company input rendered, waiting for the
	// student and parent signatures.
	StatusPendingSignatures ContractStatus = "pending_signatures"
	// StatusCompleted: fully signed, waiting for review.
	StatusCompleted ContractStatus = "completed"
	// StatusApproved: reviewer approved. Terminal.
	StatusApproved ContractStatus = "approved"
	// StatusRejected: reviewer rejected. The document and field values
	// are reset and the company-input step re-enters from here.
	StatusRejected ContractStatus = "rejected"
)

// Valid reports whether s is a known lifecycle status.
func (s ContractStatus) Valid() bool {
	switch s {
	case StatusPendingFields, StatusPendingCompanyInput, StatusPendingSignatures,
		StatusCompleted, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s ContractStatus) Terminal() bool {
	return s == StatusApproved
}

// Contract represents one internship contract document and its
// position in the signing workflow.
type Contract struct {
	ID             string         `json:"id"`
	Filename       string         `json:"filename"`
	OriginalObject string         `json:"original_object"`
	CurrentObject  string         `json:"current_object"`
	Status         ContractStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// FieldKind identifies what a placeholder field holds.
type FieldKind string

const (
	KindText             FieldKind = "text"
	KindSeal             FieldKind = "seal"
	KindStudentSignature FieldKind = "studentSignature"
	KindParentSignature  FieldKind = "parentSignature"
)

// Valid reports whether k is a known field kind.
func (k FieldKind) Valid() bool {
	switch k {
	case KindText, KindSeal, KindStudentSignature, KindParentSignature:
		return true
	}
	return false
}

// IsImage reports whether the field holds image content rather than
// literal text.
func (k FieldKind) IsImage() bool {
	return k == KindSeal || k == KindStudentSignature || k == KindParentSignature
}

// Field is a placeholder box on page one of the contract document.
// Geometry uses the page's units with the origin at the top-left
// corner and y growing downward.
type Field struct {
	ID         int64     `json:"id"`
	ContractID string    `json:"contract_id"`
	Kind       FieldKind `json:"kind"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Width      float64   `json:"width"`
	Height     float64   `json:"height"`
	// Value is nil until a value is bound: the literal text for text
	// fields, or the object name of a stored image for image fields.
	Value *string `json:"value,omitempty"`
}

// FieldSpec is the layout submission for one field, before it has a
// persisted identity.
type FieldSpec struct {
	Kind   FieldKind `json:"kind"`
	X      float64   `json:"x"`
	Y      float64   `json:"y"`
	Width  float64   `json:"width"`
	Height float64   `json:"height"`
}

// Role identifies a workflow party, used for notification routing and
// signature artifact naming.
type Role string

const (
	RoleCompany  Role = "company"
	RoleStudent  Role = "student"
	RoleParent   Role = "parent"
	RoleReviewer Role = "reviewer"
)
