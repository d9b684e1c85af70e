package domain

import "time"

// EndRequest is created by a local end-call and mirrored remotely on receipt.
type EndRequest struct {
	RequestedBy ParticipantID `json:"requestedBy"`
	Timestamp   time.Time     `json:"timestamp"`
	Approved    bool          `json:"approved"`
	ApprovedBy  ParticipantID `json:"approvedBy,omitempty"`
}

type EndApproval struct {
	RequestedBy ParticipantID `json:"requestedBy,omitempty"`
	ApprovedBy  ParticipantID `json:"approvedBy"`
	Timestamp   time.Time     `json:"timestamp"`
}
